package monitoring

import (
	"context"
	"math"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
)

// sampleLimit bounds how many recent jobs feed the aggregates
const sampleLimit = 500

// DayCount is one day of report production
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// ReportMetrics summarizes report production over the sampled jobs
type ReportMetrics struct {
	TotalReports  int        `json:"total_reports"`
	ReportsPerDay []DayCount `json:"reports_per_day"`
}

// PipelineMetrics summarizes end-to-end and per-phase durations of
// completed jobs
type PipelineMetrics struct {
	JobsSampled     int                `json:"jobs_sampled"`
	AvgSeconds      float64            `json:"avg_seconds"`
	P50Seconds      float64            `json:"p50_seconds"`
	P95Seconds      float64            `json:"p95_seconds"`
	PhaseAvgSeconds map[string]float64 `json:"phase_avg_seconds"`
}

// CostMetrics proxies spend by artifact volume. Without billing APIs the
// stored bytes per stage output are the best available signal.
type CostMetrics struct {
	JobsSampled    int     `json:"jobs_sampled"`
	ArtifactCount  int     `json:"artifact_count"`
	ArtifactBytes  int64   `json:"artifact_bytes"`
	AvgBytesPerJob float64 `json:"avg_bytes_per_job"`
}

// Metrics computes monitoring aggregates over the job store
type Metrics struct {
	store     interfaces.JobStorage
	artifacts interfaces.ArtifactStorage
	prefix    string
	logger    arbor.ILogger
}

// NewMetrics creates the aggregator
func NewMetrics(store interfaces.JobStorage, artifacts interfaces.ArtifactStorage, prefix string, logger arbor.ILogger) *Metrics {
	return &Metrics{
		store:     store,
		artifacts: artifacts,
		prefix:    prefix,
		logger:    logger,
	}
}

// Reports counts completed reports per day, newest day first
func (m *Metrics) Reports(ctx context.Context) (*ReportMetrics, error) {
	jobs, err := m.completedJobs(ctx)
	if err != nil {
		return nil, err
	}

	perDay := make(map[string]int)
	for _, job := range jobs {
		ts, err := common.ParseISO(job.UpdatedAt)
		if err != nil {
			continue
		}
		perDay[ts.Format("2006-01-02")]++
	}

	days := make([]DayCount, 0, len(perDay))
	for date, count := range perDay {
		days = append(days, DayCount{Date: date, Count: count})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date > days[j].Date })

	return &ReportMetrics{
		TotalReports:  len(jobs),
		ReportsPerDay: days,
	}, nil
}

// Pipeline computes end-to-end duration stats and per-phase averages from
// the job event logs
func (m *Metrics) Pipeline(ctx context.Context) (*PipelineMetrics, error) {
	jobs, err := m.completedJobs(ctx)
	if err != nil {
		return nil, err
	}

	var durations []float64
	phaseTotals := make(map[string]float64)
	phaseCounts := make(map[string]int)

	for _, job := range jobs {
		if d, ok := jobDuration(job); ok {
			durations = append(durations, d)
		}
		for phase, d := range phaseDurations(job) {
			phaseTotals[phase] += d
			phaseCounts[phase]++
		}
	}

	phaseAvg := make(map[string]float64, len(phaseTotals))
	for phase, total := range phaseTotals {
		phaseAvg[phase] = round1(total / float64(phaseCounts[phase]))
	}

	return &PipelineMetrics{
		JobsSampled:     len(durations),
		AvgSeconds:      round1(mean(durations)),
		P50Seconds:      round1(percentile(durations, 50)),
		P95Seconds:      round1(percentile(durations, 95)),
		PhaseAvgSeconds: phaseAvg,
	}, nil
}

// Costs totals stored artifact volume across the sampled completed jobs
func (m *Metrics) Costs(ctx context.Context) (*CostMetrics, error) {
	jobs, err := m.completedJobs(ctx)
	if err != nil {
		return nil, err
	}

	out := &CostMetrics{JobsSampled: len(jobs)}
	for _, job := range jobs {
		prefix := common.ResultsPath(m.prefix, common.Slugify(job.Payload.Query), job.ID)
		artifacts, err := m.artifacts.List(ctx, prefix)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to list artifacts for cost metrics")
			continue
		}
		for _, a := range artifacts {
			out.ArtifactCount++
			out.ArtifactBytes += a.Size
		}
	}

	if out.JobsSampled > 0 {
		out.AvgBytesPerJob = round1(float64(out.ArtifactBytes) / float64(out.JobsSampled))
	}
	return out, nil
}

func (m *Metrics) completedJobs(ctx context.Context) ([]*models.Job, error) {
	jobs, err := m.store.ListRecent(ctx, sampleLimit)
	if err != nil {
		return nil, err
	}

	completed := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Status == models.JobStatusCompleted {
			completed = append(completed, job)
		}
	}
	return completed, nil
}

// jobDuration measures created-to-completed wall time in seconds
func jobDuration(job *models.Job) (float64, bool) {
	start, err := common.ParseISO(job.CreatedAt)
	if err != nil {
		return 0, false
	}

	for i := len(job.Events) - 1; i >= 0; i-- {
		if job.Events[i].Type != models.EventJobComplete {
			continue
		}
		end, err := common.ParseISO(job.Events[i].Ts)
		if err != nil {
			return 0, false
		}
		d := end.Sub(start).Seconds()
		if d < 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

// phaseDurations pairs each phase start event with the matching completion.
// Truncated event logs simply yield fewer pairs.
func phaseDurations(job *models.Job) map[string]float64 {
	starts := make(map[string]string)
	out := make(map[string]float64)

	for _, e := range job.Events {
		switch e.Type {
		case models.EventPhaseStart, models.EventJobStart:
			starts[e.Phase] = e.Ts
		case models.EventPhaseComplete:
			startTs, ok := starts[e.Phase]
			if !ok {
				continue
			}
			start, err := common.ParseISO(startTs)
			if err != nil {
				continue
			}
			end, err := common.ParseISO(e.Ts)
			if err != nil {
				continue
			}
			if d := end.Sub(start).Seconds(); d >= 0 {
				out[e.Phase] = d
			}
			delete(starts, e.Phase)
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile computes the p-th percentile with linear interpolation between
// the two nearest ranks
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
