package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
)

func newTestFactory() *ProviderFactory {
	return NewProviderFactory(
		&common.GeminiConfig{Model: "gemini-3-flash-preview"},
		&common.ClaudeConfig{Model: "claude-haiku-3-5-20241022"},
		&common.LLMConfig{DefaultProvider: common.LLMProviderClaude},
		arbor.NewLogger(),
	)
}

func TestDetectProvider(t *testing.T) {
	f := newTestFactory()

	tests := []struct {
		model    string
		expected ProviderType
	}{
		{"", ProviderClaude}, // default provider
		{"claude-sonnet-4-20250514", ProviderClaude},
		{"claude/claude-sonnet-4-20250514", ProviderClaude},
		{"anthropic/claude-haiku-3-5", ProviderClaude},
		{"gemini-3-flash", ProviderGemini},
		{"gemini/gemini-3-flash", ProviderGemini},
		{"google/gemini-3-pro", ProviderGemini},
		{"gpt-4o", ProviderClaude}, // unrecognized falls back to default
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, f.DetectProvider(tt.model), "model %q", tt.model)
	}
}

func TestNormalizeModel(t *testing.T) {
	f := newTestFactory()

	assert.Equal(t, "claude-sonnet-4", f.NormalizeModel("claude/claude-sonnet-4"))
	assert.Equal(t, "gemini-3-flash", f.NormalizeModel("google/gemini-3-flash"))
	assert.Equal(t, "claude-haiku-3-5", f.NormalizeModel("claude-haiku-3-5"))
}

func TestGetDefaultModel(t *testing.T) {
	f := newTestFactory()

	assert.Equal(t, "claude-haiku-3-5-20241022", f.GetDefaultModel(ProviderClaude))
	assert.Equal(t, "gemini-3-flash-preview", f.GetDefaultModel(ProviderGemini))
}

func TestIsRateLimitError(t *testing.T) {
	assert.False(t, IsRateLimitError(nil))
	assert.False(t, IsRateLimitError(assert.AnError))
	assert.True(t, IsRateLimitError(&delayError{msg: "Error 429: too many requests"}))
	assert.True(t, IsRateLimitError(&delayError{msg: "RESOURCE_EXHAUSTED"}))
	assert.True(t, IsRateLimitError(&delayError{msg: "quota exceeded for model"}))
}

func TestExtractRetryDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), ExtractRetryDelay(nil))

	err := &delayError{msg: "Error 429, Message: quota exceeded. Please retry in 45.387061394s., Status: RESOURCE_EXHAUSTED"}
	got := ExtractRetryDelay(err)
	assert.InDelta(t, 45.387, got.Seconds(), 0.01)

	err = &delayError{msg: "retryDelay: 30s"}
	assert.Equal(t, 30*time.Second, ExtractRetryDelay(err))
}

func TestCalculateBackoffCapsAtMax(t *testing.T) {
	cfg := NewDefaultRetryConfig()

	first := cfg.CalculateBackoff(0, 0)
	assert.Equal(t, cfg.InitialBackoff, first)

	// API delay overrides the initial backoff
	withDelay := cfg.CalculateBackoff(0, 20*time.Second)
	assert.Equal(t, 25*time.Second, withDelay)

	// Deep retries cap out
	deep := cfg.CalculateBackoff(10, 0)
	assert.Equal(t, cfg.MaxBackoff, deep)
}

type delayError struct{ msg string }

func (e *delayError) Error() string { return e.msg }
