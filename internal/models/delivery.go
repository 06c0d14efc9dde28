package models

import (
	"time"
)

// Delivery is a received queue message with its envelope metadata.
// DeadLetter fields are only populated on messages read from the DLQ.
type Delivery struct {
	MessageID             string
	Message               StageMessage
	EnqueuedAt            time.Time
	DeliveryCount         int
	DeadLetterReason      string
	DeadLetterDescription string
}

// Artifact describes a stored artifact as returned by listings
type Artifact struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type"`
	LastModified string `json:"last_modified"`
}
