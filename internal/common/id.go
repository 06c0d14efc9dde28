package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job identifier.
// Jobs use bare UUIDs so the ID doubles as the document partition value.
func NewJobID() string {
	return uuid.New().String()
}
