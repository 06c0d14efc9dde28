package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/paperpilot/paperpilot/internal/models"
)

// ErrJobNotFound is returned when a job document does not exist
var ErrJobNotFound = errors.New("job not found")

// ErrArtifactNotFound is returned when no name variant resolves to an artifact
var ErrArtifactNotFound = errors.New("artifact not found")

// JobStorage - interface for job document persistence
type JobStorage interface {
	// CreateJob stores a new job document. Fails if the ID already exists.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob fetches a job document by ID
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// SaveJob upserts a full job document
	SaveJob(ctx context.Context, job *models.Job) error

	// Mutate applies fn to the current document and persists the result in a
	// single read-modify-write. Returns the updated document.
	Mutate(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error)

	// ListByStatus returns all jobs in any of the given statuses
	ListByStatus(ctx context.Context, statuses ...string) ([]*models.Job, error)

	// FindStalled returns up to limit jobs in the given statuses whose
	// updated_at is at or before the cutoff, oldest first.
	FindStalled(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]*models.Job, error)

	// ListRecent returns the most recently created jobs, newest first
	ListRecent(ctx context.Context, limit int) ([]*models.Job, error)

	// DeleteExpired removes documents past their expiry, returning the count
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// ArtifactStorage - interface for stage artifact blobs
type ArtifactStorage interface {
	// Put stores an artifact under its full name
	Put(ctx context.Context, name string, data []byte, contentType string) error

	// Get fetches an artifact, trying the prefix-drift name variants
	Get(ctx context.Context, name string) ([]byte, *models.Artifact, error)

	// GetJSON fetches an artifact and unmarshals it into v
	GetJSON(ctx context.Context, name string, v interface{}) error

	// Exists reports whether any name variant resolves to an artifact
	Exists(ctx context.Context, name string) (bool, error)

	// List returns artifacts whose name starts with the prefix
	List(ctx context.Context, prefix string) ([]*models.Artifact, error)

	// DownloadTo writes an artifact to a local file path
	DownloadTo(ctx context.Context, name string, path string) error
}

// StorageManager provides access to all storage interfaces
type StorageManager interface {
	JobStorage() JobStorage
	ArtifactStorage() ArtifactStorage
	Close() error
}
