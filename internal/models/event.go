package models

// Event types recorded on the job event log
const (
	EventJobCreated       = "job_created"
	EventJobEnqueued      = "job_enqueued"
	EventJobEnqueueFailed = "job_enqueue_failed"
	EventJobStart         = "job_start"
	EventJobComplete      = "job_complete"
	EventJobFailed        = "job_failed"
	EventPhaseStart       = "phase_start"
	EventPhaseComplete    = "phase_complete"
	EventPhaseError       = "phase_error"
	EventPhaseWarning     = "phase_warning"
	EventProgress         = "progress"
	EventEmailSent        = "email_sent"
)

// Event log levels
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// eventLevels maps event types to their default log level
var eventLevels = map[string]string{
	EventJobCreated:       LevelInfo,
	EventJobEnqueued:      LevelInfo,
	EventJobStart:         LevelInfo,
	EventJobComplete:      LevelInfo,
	EventPhaseStart:       LevelInfo,
	EventPhaseComplete:    LevelInfo,
	EventProgress:         LevelInfo,
	EventEmailSent:        LevelInfo,
	EventJobFailed:        LevelError,
	EventJobEnqueueFailed: LevelError,
	EventPhaseError:       LevelError,
	EventPhaseWarning:     LevelWarning,
}

// EventLevel returns the default level for an event type, info for unknown types
func EventLevel(eventType string) string {
	if level, ok := eventLevels[eventType]; ok {
		return level
	}
	return LevelInfo
}

// Event is a single entry on the bounded per-job event log
type Event struct {
	Ts      string                 `json:"ts"`
	Type    string                 `json:"type"`
	Level   string                 `json:"level"`
	Phase   string                 `json:"phase,omitempty"`
	Message string                 `json:"message"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// AppendEvent appends an event and drops the oldest entries past maxEvents.
// Truncation is FIFO so the log always keeps the most recent activity.
func (j *Job) AppendEvent(e Event, maxEvents int) {
	if e.Level == "" {
		e.Level = EventLevel(e.Type)
	}
	j.Events = append(j.Events, e)
	if maxEvents > 0 && len(j.Events) > maxEvents {
		j.Events = j.Events[len(j.Events)-maxEvents:]
	}
}
