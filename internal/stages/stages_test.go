package stages

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/llm"
	"github.com/paperpilot/paperpilot/internal/models"
)

// memArtifacts is an in-memory ArtifactStorage for stage tests
type memArtifacts struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{data: make(map[string][]byte)}
}

func (m *memArtifacts) Put(_ context.Context, name string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = data
	return nil
}

func (m *memArtifacts) Get(_ context.Context, name string) ([]byte, *models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[name]
	if !ok {
		return nil, nil, interfaces.ErrArtifactNotFound
	}
	return data, &models.Artifact{Name: name, Size: int64(len(data))}, nil
}

func (m *memArtifacts) GetJSON(ctx context.Context, name string, v interface{}) error {
	data, _, err := m.Get(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (m *memArtifacts) Exists(ctx context.Context, name string) (bool, error) {
	_, _, err := m.Get(ctx, name)
	if err == interfaces.ErrArtifactNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *memArtifacts) List(_ context.Context, prefix string) ([]*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Artifact
	for name, data := range m.data {
		if strings.HasPrefix(name, prefix) {
			out = append(out, &models.Artifact{Name: name, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memArtifacts) DownloadTo(ctx context.Context, name string, path string) error {
	data, _, err := m.Get(ctx, name)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// progressCall records one Progress invocation
type progressCall struct {
	Step     int
	StepName string
	Percent  float64
	Detail   string
}

// newStageContext builds a Context over in-memory artifacts and a recording
// progress func
func newStageContext(t *testing.T, payload models.JobPayload) (*Context, *memArtifacts, *[]progressCall) {
	t.Helper()

	artifacts := newMemArtifacts()
	var calls []progressCall

	sc := &Context{
		Job: &models.Job{
			ID:      "job-1",
			JobID:   "job-1",
			Type:    models.JobType,
			Status:  models.JobStatusRunning,
			Payload: payload,
		},
		Workspace:     t.TempDir(),
		ResultsPrefix: "results/test-query/job-1",
		Artifacts:     artifacts,
		Progress: func(step int, stepName string, percent float64, detail string) {
			calls = append(calls, progressCall{Step: step, StepName: stepName, Percent: percent, Detail: detail})
		},
	}
	return sc, artifacts, &calls
}

// scriptedGenerator returns canned responses keyed by a substring of the
// prompt, in registration order
type scriptedGenerator struct {
	mu      sync.Mutex
	scripts []promptScript
	calls   []string
}

type promptScript struct {
	contains string
	text     string
	err      error
}

func (g *scriptedGenerator) on(contains, text string, err error) *scriptedGenerator {
	g.scripts = append(g.scripts, promptScript{contains: contains, text: text, err: err})
	return g
}

func (g *scriptedGenerator) GenerateContent(_ context.Context, request *llm.ContentRequest) (*llm.ContentResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, request.Prompt)

	for _, s := range g.scripts {
		if s.contains == "" || strings.Contains(request.Prompt, s.contains) {
			if s.err != nil {
				return nil, s.err
			}
			return &llm.ContentResponse{Text: s.text}, nil
		}
	}
	return &llm.ContentResponse{Text: "A"}, nil
}

func putJSON(t *testing.T, artifacts *memArtifacts, name string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, artifacts.Put(context.Background(), name, data, "application/json"))
}

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}
