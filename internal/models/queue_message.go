package models

import (
	"encoding/json"
	"fmt"
)

// StageMessage is the queue message body. Keep it minimal: the job document
// is the source of truth, the message only routes work.
type StageMessage struct {
	JobID string `json:"job_id"`
	Stage string `json:"stage"`
}

// ToJSON serializes the stage message
func (m *StageMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// StageMessageFromJSON deserializes and validates a stage message body
func StageMessageFromJSON(data []byte) (*StageMessage, error) {
	var msg StageMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage message: %w", err)
	}
	if msg.JobID == "" {
		return nil, fmt.Errorf("stage message missing job_id")
	}
	if StageIndex(msg.Stage) < 0 {
		return nil, fmt.Errorf("stage message has unknown stage %q", msg.Stage)
	}
	return &msg, nil
}
