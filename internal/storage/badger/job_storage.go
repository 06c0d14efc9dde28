package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

// jobRecord wraps the serialized job document with the indexed fields the
// watchdog queries need. The document itself stays JSON so field additions
// never require a store migration.
type jobRecord struct {
	ID        string `badgerhold:"key"`
	Status    string `badgerhold:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt int64
	Doc       []byte
}

// JobStorage implements interfaces.JobStorage backed by badgerhold
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a job storage service
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func recordFromJob(job *models.Job) (*jobRecord, error) {
	doc, err := job.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}

	rec := &jobRecord{
		ID:        job.ID,
		Status:    job.Status,
		ExpiresAt: job.ExpiresAt,
		Doc:       doc,
	}
	if t, err := common.ParseISO(job.CreatedAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := common.ParseISO(job.UpdatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

// CreateJob stores a new job document
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	rec, err := recordFromJob(job)
	if err != nil {
		return err
	}

	if err := s.db.Store().Insert(rec.ID, rec); err != nil {
		if err == badgerhold.ErrKeyExists {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("status", job.Status).Msg("Job document created")
	return nil
}

// GetJob fetches a job document by ID
func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var rec jobRecord
	if err := s.db.Store().Get(id, &rec); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return models.JobFromJSON(rec.Doc)
}

// SaveJob upserts a full job document
func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	rec, err := recordFromJob(job)
	if err != nil {
		return err
	}
	if err := s.db.Store().Upsert(rec.ID, rec); err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
	}
	return nil
}

// Mutate applies fn to the current document and persists the result
func (s *JobStorage) Mutate(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	if err := s.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListByStatus returns all jobs in any of the given statuses
func (s *JobStorage) ListByStatus(ctx context.Context, statuses ...string) ([]*models.Job, error) {
	in := make([]interface{}, len(statuses))
	for i, st := range statuses {
		in[i] = st
	}

	var recs []jobRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("Status").In(in...)); err != nil {
		return nil, fmt.Errorf("failed to query jobs by status: %w", err)
	}

	return s.decodeRecords(recs)
}

// FindStalled returns up to limit jobs whose updated_at is at or before the
// cutoff, oldest first. The time filter runs in memory: the status index
// narrows the scan and timestamp comparisons on the decoded records avoid
// reflection-based range queries.
func (s *JobStorage) FindStalled(ctx context.Context, statuses []string, cutoff time.Time, limit int) ([]*models.Job, error) {
	in := make([]interface{}, len(statuses))
	for i, st := range statuses {
		in[i] = st
	}

	var recs []jobRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("Status").In(in...)); err != nil {
		return nil, fmt.Errorf("failed to query stalled jobs: %w", err)
	}

	stalled := recs[:0]
	for _, rec := range recs {
		// Zero UpdatedAt means the timestamp never parsed; treat as stalled
		if rec.UpdatedAt.IsZero() || !rec.UpdatedAt.After(cutoff) {
			stalled = append(stalled, rec)
		}
	}

	sort.Slice(stalled, func(i, j int) bool {
		return stalled[i].UpdatedAt.Before(stalled[j].UpdatedAt)
	})

	if limit > 0 && len(stalled) > limit {
		stalled = stalled[:limit]
	}

	return s.decodeRecords(stalled)
}

// ListRecent returns the most recently created jobs, newest first
func (s *JobStorage) ListRecent(ctx context.Context, limit int) ([]*models.Job, error) {
	var recs []jobRecord
	if err := s.db.Store().Find(&recs, nil); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})

	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	return s.decodeRecords(recs)
}

// DeleteExpired removes documents past their expiry
func (s *JobStorage) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var recs []jobRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("ExpiresAt").Gt(int64(0)).And("ExpiresAt").Lt(now.Unix())); err != nil {
		return 0, fmt.Errorf("failed to query expired jobs: %w", err)
	}

	deleted := 0
	for _, rec := range recs {
		if err := s.db.Store().Delete(rec.ID, &jobRecord{}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", rec.ID).Msg("Failed to delete expired job")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info().Int("count", deleted).Msg("Expired job documents deleted")
	}
	return deleted, nil
}

func (s *JobStorage) decodeRecords(recs []jobRecord) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0, len(recs))
	for _, rec := range recs {
		job, err := models.JobFromJSON(rec.Doc)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", rec.ID).Msg("Skipping undecodable job document")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
