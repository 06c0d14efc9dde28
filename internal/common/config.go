package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Queue       QueueConfig    `toml:"queue"`
	Storage     StorageConfig  `toml:"storage"`
	Results     ResultsConfig  `toml:"results"`
	Jobs        JobsConfig     `toml:"jobs"`
	Watchdog    WatchdogConfig `toml:"watchdog"`
	Logging     LoggingConfig  `toml:"logging"`
	OpenAlex    OpenAlexConfig `toml:"openalex"`
	Gemini      GeminiConfig   `toml:"gemini"`
	Claude      ClaudeConfig   `toml:"claude"`
	LLM         LLMConfig      `toml:"llm"`
	Email       EmailConfig    `toml:"email"`
	Frontend    FrontendConfig `toml:"frontend"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often the consumer polls for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent consumers
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max deliveries before a message is dead-lettered
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// ResultsConfig controls where stage artifacts are stored
type ResultsConfig struct {
	Prefix string `toml:"prefix"` // Artifact name prefix (default: "results")
}

// JobsConfig contains the job document knobs
type JobsConfig struct {
	TTLDays              int `toml:"ttl_days"`               // Job document time-to-live in days
	MaxEvents            int `toml:"max_events"`             // Event log cap per job (oldest dropped first)
	ReportTimeoutSeconds int `toml:"report_timeout_seconds"` // Wall-clock budget for the report stage
}

// WatchdogConfig contains the reconciler thresholds
type WatchdogConfig struct {
	StaleMinutes         int `toml:"stale_minutes"`          // Running job with no updates for this long -> failed
	RunningRescueMinutes int `toml:"running_rescue_minutes"` // Lower bound of the soft re-enqueue window
	QueuedSeconds        int `toml:"queued_seconds"`         // Queued job older than this is rescued inline
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// OpenAlexConfig contains the paper-graph API settings for the search stage
type OpenAlexConfig struct {
	BaseURL        string `toml:"base_url"`        // API base URL (default: https://api.openalex.org)
	Mailto         string `toml:"mailto"`          // Contact email for the polite pool
	RateLimit      string `toml:"rate_limit"`      // Min interval between requests (default: "150ms")
	RequestTimeout string `toml:"request_timeout"` // HTTP request timeout (default: "30s")
	MaxPapers      int    `toml:"max_papers"`      // Default cap on papers collected per job
	SeedsPerLevel  int    `toml:"seeds_per_level"` // Papers expanded per snowball level
	Depth          int    `toml:"depth"`           // Snowball expansion depth
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`     // Google Gemini API key
	Model       string  `toml:"model"`       // Model for AI operations (default: "gemini-3-flash-preview")
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response (default: 8192)
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "5m")
	RateLimit   string  `toml:"rate_limit"`  // Rate limit duration string (default: "4s" for 15 RPM)
	Temperature float32 `toml:"temperature"` // Completion temperature (default: 0.7)
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`     // Anthropic API key for Claude operations
	Model       string  `toml:"model"`       // Model for AI operations (default: "claude-haiku-3-5-20241022")
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response (default: 8192)
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "5m")
	RateLimit   string  `toml:"rate_limit"`  // Rate limit duration string (default: "1s")
	Temperature float32 `toml:"temperature"` // Completion temperature (default: 0.7)
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig contains unified configuration for all AI providers
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"` // "gemini" or "claude" (default: "claude")
}

// EmailConfig contains SendGrid settings for job notifications
type EmailConfig struct {
	APIKey     string `toml:"api_key"`     // SendGrid API key (empty disables email)
	BaseURL    string `toml:"base_url"`    // API base URL (default: https://api.sendgrid.com)
	FromEmail  string `toml:"from_email"`  // Sender address
	FromName   string `toml:"from_name"`   // Sender display name
	Timeout    string `toml:"timeout"`     // HTTP timeout (default: "10s")
	MaxRetries int    `toml:"max_retries"` // Send retries (default: 3)
}

// FrontendConfig holds the base URL used when building job links for emails
type FrontendConfig struct {
	BaseURL string `toml:"base_url"`
}

// NewDefaultConfig creates a configuration with default values.
// Operational thresholds match the production deployment; only user-facing
// settings should normally be changed in paperpilot.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       4,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			QueueName:         "paperpilot-jobs",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Results: ResultsConfig{
			Prefix: "results",
		},
		Jobs: JobsConfig{
			TTLDays:              7,
			MaxEvents:            100,
			ReportTimeoutSeconds: 1200,
		},
		Watchdog: WatchdogConfig{
			StaleMinutes:         30,
			RunningRescueMinutes: 8,
			QueuedSeconds:        20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		OpenAlex: OpenAlexConfig{
			BaseURL:        "https://api.openalex.org",
			RateLimit:      "150ms",
			RequestTimeout: "30s",
			MaxPapers:      200,
			SeedsPerLevel:  10,
			Depth:          2,
		},
		Gemini: GeminiConfig{
			APIKey:      "",
			Model:       "gemini-3-flash-preview",
			MaxTokens:   8192,
			Timeout:     "5m",
			RateLimit:   "4s",
			Temperature: 0.7,
		},
		Claude: ClaudeConfig{
			APIKey:      "",
			Model:       "claude-haiku-3-5-20241022",
			MaxTokens:   8192,
			Timeout:     "5m",
			RateLimit:   "1s",
			Temperature: 0.7,
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderClaude,
		},
		Email: EmailConfig{
			BaseURL:    "https://api.sendgrid.com",
			Timeout:    "10s",
			MaxRetries: 3,
		},
		Frontend: FrontendConfig{
			BaseURL: "http://localhost:8080",
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files; later files override
// earlier files, environment variables override everything.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// The job/watchdog knobs keep the names the original deployment used so
// existing app settings keep working.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PAPERPILOT_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("PAPERPILOT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PAPERPILOT_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Queue configuration
	if pollInterval := os.Getenv("PAPERPILOT_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("PAPERPILOT_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if visibilityTimeout := os.Getenv("PAPERPILOT_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("PAPERPILOT_QUEUE_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Queue.MaxReceive = mr
		}
	}
	if queueName := os.Getenv("QUEUE_NAME"); queueName != "" {
		config.Queue.QueueName = queueName
	}

	// Storage configuration
	if badgerPath := os.Getenv("PAPERPILOT_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Results configuration
	if prefix := os.Getenv("RESULTS_PREFIX"); prefix != "" {
		config.Results.Prefix = prefix
	}

	// Job document knobs
	if ttl := os.Getenv("JOB_TTL_DAYS"); ttl != "" {
		if d, err := strconv.Atoi(ttl); err == nil && d > 0 {
			config.Jobs.TTLDays = d
		}
	}
	if maxEvents := os.Getenv("MAX_JOB_EVENTS"); maxEvents != "" {
		if me, err := strconv.Atoi(maxEvents); err == nil && me > 0 {
			config.Jobs.MaxEvents = me
		}
	}
	if reportTimeout := os.Getenv("REPORT_TIMEOUT_SECONDS"); reportTimeout != "" {
		if rt, err := strconv.Atoi(reportTimeout); err == nil && rt > 0 {
			config.Jobs.ReportTimeoutSeconds = rt
		}
	}

	// Watchdog thresholds
	if stale := os.Getenv("JOB_STALE_MINUTES"); stale != "" {
		if s, err := strconv.Atoi(stale); err == nil && s > 0 {
			config.Watchdog.StaleMinutes = s
		}
	}
	if rescue := os.Getenv("JOB_RUNNING_RESCUE_MINUTES"); rescue != "" {
		if r, err := strconv.Atoi(rescue); err == nil && r > 0 {
			config.Watchdog.RunningRescueMinutes = r
		}
	}
	if queuedSeconds := os.Getenv("JOB_QUEUED_SECONDS"); queuedSeconds != "" {
		if qs, err := strconv.Atoi(queuedSeconds); err == nil && qs > 0 {
			config.Watchdog.QueuedSeconds = qs
		}
	} else if queuedMinutes := os.Getenv("JOB_QUEUED_MINUTES"); queuedMinutes != "" {
		// Deprecated knob, kept for older deployments. Minutes convert to seconds.
		if qm, err := strconv.Atoi(queuedMinutes); err == nil && qm > 0 {
			config.Watchdog.QueuedSeconds = qm * 60
			GetLogger().Warn().
				Int("minutes", qm).
				Msg("JOB_QUEUED_MINUTES is deprecated; use JOB_QUEUED_SECONDS")
		}
	}

	// Logging configuration
	if level := os.Getenv("PAPERPILOT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("PAPERPILOT_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("PAPERPILOT_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// OpenAlex configuration
	if baseURL := os.Getenv("OPENALEX_BASE_URL"); baseURL != "" {
		config.OpenAlex.BaseURL = baseURL
	}
	if mailto := os.Getenv("OPENALEX_MAILTO"); mailto != "" {
		config.OpenAlex.Mailto = mailto
	}
	if rateLimit := os.Getenv("OPENALEX_RATE_LIMIT"); rateLimit != "" {
		if _, err := time.ParseDuration(rateLimit); err == nil {
			config.OpenAlex.RateLimit = rateLimit
		}
	}
	if maxPapers := os.Getenv("OPENALEX_MAX_PAPERS"); maxPapers != "" {
		if mp, err := strconv.Atoi(maxPapers); err == nil && mp > 0 {
			config.OpenAlex.MaxPapers = mp
		}
	}

	// Gemini configuration
	if apiKey := os.Getenv("PAPERPILOT_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	} else if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("PAPERPILOT_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}

	// Claude configuration
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("PAPERPILOT_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey // PAPERPILOT_ prefix takes priority
	}
	if model := os.Getenv("PAPERPILOT_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}

	// LLM provider configuration
	if provider := os.Getenv("PAPERPILOT_LLM_DEFAULT_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}

	// Email configuration
	if apiKey := os.Getenv("SENDGRID_API_KEY"); apiKey != "" {
		config.Email.APIKey = apiKey
	}
	if from := os.Getenv("SENDGRID_FROM_EMAIL"); from != "" {
		config.Email.FromEmail = from
	}
	if fromName := os.Getenv("SENDGRID_FROM_NAME"); fromName != "" {
		config.Email.FromName = fromName
	}

	// Frontend configuration
	if baseURL := os.Getenv("FRONTEND_BASE_URL"); baseURL != "" {
		config.Frontend.BaseURL = baseURL
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// QueuedThreshold returns the queued-rescue threshold as a duration
func (c *Config) QueuedThreshold() time.Duration {
	return time.Duration(c.Watchdog.QueuedSeconds) * time.Second
}

// StaleThreshold returns the stale-fail threshold as a duration
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Watchdog.StaleMinutes) * time.Minute
}

// RunningRescueThreshold returns the lower bound of the soft re-enqueue window
func (c *Config) RunningRescueThreshold() time.Duration {
	return time.Duration(c.Watchdog.RunningRescueMinutes) * time.Minute
}

// ReportTimeout returns the report stage budget as a duration
func (c *Config) ReportTimeout() time.Duration {
	return time.Duration(c.Jobs.ReportTimeoutSeconds) * time.Second
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
