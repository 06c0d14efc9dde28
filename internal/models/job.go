package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Job status values. Completed and failed are terminal and sticky.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Pipeline phases as recorded on job progress
const (
	PhaseInit     = "init"
	PhaseSearch   = "search"
	PhaseRanking  = "ranking"
	PhaseReport   = "report"
	PhaseUpload   = "upload"
	PhaseComplete = "complete"
	PhaseError    = "error"
)

// Pipeline stages as carried on queue messages
const (
	StageSearch  = "search"
	StageRanking = "ranking"
	StageReport  = "report"
)

// JobType is the only job type this service runs
const JobType = "research_report"

// StepNameQueued marks a job as handed off and waiting for a consumer.
// The idempotency gate and the queued-rescue watchdog both key off it.
const StepNameQueued = "Queued"

// JobResult holds the stage output attached to a completed job
type JobResult = map[string]interface{}

// Progress is the mutable per-phase position of a job
type Progress struct {
	Phase     string  `json:"phase"`
	Step      int     `json:"step"`
	StepName  string  `json:"step_name"`
	Percent   float64 `json:"percent"`
	Detail    string  `json:"detail,omitempty"`
	UpdatedAt string  `json:"updated_at"`
}

// Job is the durable job document. The ID is duplicated across three field
// names because older readers query each of them.
type Job struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	JobIDAlias string     `json:"jobId"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	CreatedAt  string     `json:"created_at"`
	UpdatedAt  string     `json:"updated_at"`
	ExpiresAt  int64      `json:"expires_at,omitempty"`
	Payload    JobPayload `json:"payload"`
	Progress   Progress   `json:"progress"`
	Events     []Event    `json:"events"`
	Result     JobResult  `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// IsTerminal reports whether the job reached a sticky final status
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// HasQueuedMarker reports whether the job is marked as handed off to the
// queue: the Queued step name, a "queued" progress message, or queued status.
func (j *Job) HasQueuedMarker() bool {
	if j.Status == JobStatusQueued {
		return true
	}
	if j.Progress.StepName == StepNameQueued {
		return true
	}
	if strings.Contains(strings.ToLower(j.Progress.StepName), "queued") {
		return true
	}
	return strings.Contains(strings.ToLower(j.Progress.Detail), "queued")
}

// ToJSON serializes the job document
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// JobFromJSON deserializes a job document
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job document: %w", err)
	}
	return &job, nil
}

// phaseOrder positions the executable phases within the pipeline
var phaseOrder = map[string]int{
	PhaseSearch:  0,
	PhaseRanking: 1,
	PhaseReport:  2,
}

// PhaseIndex returns the pipeline position of a phase. Phases before the
// pipeline (init, empty) return -1 so any stage is considered ahead of them.
// Unknown phases return -2.
func PhaseIndex(phase string) int {
	if idx, ok := phaseOrder[phase]; ok {
		return idx
	}
	if phase == "" || phase == PhaseInit {
		return -1
	}
	return -2
}

// StageIndex returns the pipeline position of a stage, or -1 when the stage
// name is not part of the pipeline.
func StageIndex(stage string) int {
	if idx, ok := phaseOrder[stage]; ok {
		return idx
	}
	return -1
}

// NextStage returns the stage that follows the given one, or "" after report
func NextStage(stage string) string {
	switch stage {
	case StageSearch:
		return StageRanking
	case StageRanking:
		return StageReport
	default:
		return ""
	}
}

// StageForPhase resolves which stage a stalled job should resume at.
// Jobs that never started resume at search; jobs mid-pipeline resume at
// their recorded phase; anything else is not resumable.
func StageForPhase(phase string) (string, bool) {
	switch phase {
	case "", PhaseInit:
		return StageSearch, true
	case PhaseSearch, PhaseRanking, PhaseReport:
		return phase, true
	default:
		return "", false
	}
}
