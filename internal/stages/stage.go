package stages

import (
	"context"

	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

// ProgressFunc reports fine-grained progress from inside a stage. Stages call
// it freely; the implementation decides how writes reach the job document.
type ProgressFunc func(step int, stepName string, percent float64, detail string)

// Context carries everything a stage needs to run one phase of a job
type Context struct {
	// Job is the document as read by the gate when the stage was admitted
	Job *models.Job

	// Workspace is a per-execution scratch directory, removed afterwards
	Workspace string

	// ResultsPrefix is the artifact path prefix for this job:
	// <prefix>/<query-slug>/<job-id>
	ResultsPrefix string

	// Artifacts is where stage outputs are written and inputs read back
	Artifacts interfaces.ArtifactStorage

	// Progress reports step-level progress on the job document
	Progress ProgressFunc
}

// Stage runs one phase of the research report pipeline. A stage reads its
// inputs from artifact storage, does its work in the workspace, writes its
// outputs back as artifacts, and returns the result fields to attach to the
// job. Stages never write job status; the executor owns the lifecycle.
type Stage interface {
	// Name returns the stage name as carried on queue messages
	Name() string

	// Run executes the stage for the job in sc
	Run(ctx context.Context, sc *Context) (models.JobResult, error)
}
