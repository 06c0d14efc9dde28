package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/common"
	"github.com/paperpilot/paperpilot/internal/interfaces"
	"github.com/paperpilot/paperpilot/internal/models"
	"github.com/paperpilot/paperpilot/internal/stages"
)

// reportKOrder is the report file lookup order when the caller does not know
// which top-K a job produced. Most jobs run with the default 30.
var reportKOrder = []int{30, 20, 50, 10}

// ResultsHandler serves stored stage artifacts by query
type ResultsHandler struct {
	store     interfaces.JobStorage
	artifacts interfaces.ArtifactStorage
	prefix    string
	logger    arbor.ILogger
}

// NewResultsHandler creates a new ResultsHandler
func NewResultsHandler(store interfaces.JobStorage, artifacts interfaces.ArtifactStorage, prefix string, logger arbor.ILogger) *ResultsHandler {
	return &ResultsHandler{
		store:     store,
		artifacts: artifacts,
		prefix:    prefix,
		logger:    logger,
	}
}

// GetResultsHandler handles GET /api/results/{query}. It returns the latest
// results for the query slug: the report when one exists, else the snowball
// set.
func (h *ResultsHandler) GetResultsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/results/")
	if raw == "" {
		WriteError(w, http.StatusBadRequest, "Query required")
		return
	}
	slug := common.Slugify(raw)

	recent, err := h.store.ListRecent(r.Context(), 200)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs for results lookup")
		WriteError(w, http.StatusInternalServerError, "Failed to look up results")
		return
	}

	// Newest job with a report wins; remember the newest snowball as fallback
	var snowballJob, snowballPrefix string
	for _, job := range recent {
		if common.Slugify(job.Payload.Query) != slug {
			continue
		}
		jobPrefix := common.ResultsPath(h.prefix, slug, job.ID)

		if file, ok := h.findReportFile(r.Context(), jobPrefix); ok {
			h.writeArtifact(r.Context(), w, job.ID, "report", jobPrefix, file)
			return
		}
		if snowballJob == "" {
			if ok, _ := h.artifacts.Exists(r.Context(), common.ResultsPath(jobPrefix, stages.SnowballFileName)); ok {
				snowballJob = job.ID
				snowballPrefix = jobPrefix
			}
		}
	}

	if snowballJob != "" {
		h.writeArtifact(r.Context(), w, snowballJob, "snowball", snowballPrefix, stages.SnowballFileName)
		return
	}

	WriteError(w, http.StatusNotFound, "No results for query")
}

// findReportFile probes the report artifact names in the k fallback order
func (h *ResultsHandler) findReportFile(ctx context.Context, jobPrefix string) (string, bool) {
	for _, k := range reportKOrder {
		name := stages.ReportFileName(k)
		if ok, err := h.artifacts.Exists(ctx, common.ResultsPath(jobPrefix, name)); err == nil && ok {
			return name, true
		}
	}
	return "", false
}

func (h *ResultsHandler) writeArtifact(ctx context.Context, w http.ResponseWriter, jobID, kind, jobPrefix, file string) {
	data, _, err := h.artifacts.Get(ctx, common.ResultsPath(jobPrefix, file))
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Str("file", file).Msg("Failed to read artifact")
		WriteError(w, http.StatusInternalServerError, "Failed to read artifact")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"type":   kind,
		"file":   file,
		"data":   json.RawMessage(data),
	})
}

// RecentReportsHandler handles GET /api/reports/recent: the most recent
// completed jobs that produced a report, per their metadata manifests.
func (h *ResultsHandler) RecentReportsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := LimitParam(r, 10, 50)
	recent, err := h.store.ListRecent(r.Context(), 200)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs for recent reports")
		WriteError(w, http.StatusInternalServerError, "Failed to list reports")
		return
	}

	reports := make([]map[string]interface{}, 0, limit)
	for _, job := range recent {
		if job.Status != models.JobStatusCompleted {
			continue
		}

		jobPrefix := common.ResultsPath(h.prefix, common.Slugify(job.Payload.Query), job.ID)
		var meta models.Metadata
		if err := h.artifacts.GetJSON(r.Context(), common.ResultsPath(jobPrefix, stages.MetadataFileName), &meta); err != nil {
			continue
		}
		if meta.ReportFile == "" {
			continue
		}

		reports = append(reports, map[string]interface{}{
			"job_id":       job.ID,
			"query":        job.Payload.Query,
			"report_file":  meta.ReportFile,
			"papers_used":  meta.ReportPapersUsed,
			"sections":     meta.ReportSections,
			"generated_at": meta.ReportGeneratedAt,
		})
		if len(reports) >= limit {
			break
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"count":   len(reports),
	})
}
