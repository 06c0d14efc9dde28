package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/paperpilot/paperpilot/internal/monitoring"
)

// MetricsHandler serves the monitoring aggregates
type MetricsHandler struct {
	metrics *monitoring.Metrics
	logger  arbor.ILogger
}

// NewMetricsHandler creates a new MetricsHandler
func NewMetricsHandler(metrics *monitoring.Metrics, logger arbor.ILogger) *MetricsHandler {
	return &MetricsHandler{
		metrics: metrics,
		logger:  logger,
	}
}

// ReportsHandler handles GET /api/metrics/reports
func (h *MetricsHandler) ReportsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	out, err := h.metrics.Reports(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to compute report metrics")
		WriteError(w, http.StatusInternalServerError, "Failed to compute metrics")
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

// PipelineHandler handles GET /api/metrics/pipeline
func (h *MetricsHandler) PipelineHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	out, err := h.metrics.Pipeline(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to compute pipeline metrics")
		WriteError(w, http.StatusInternalServerError, "Failed to compute metrics")
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

// CostsHandler handles GET /api/metrics/costs
func (h *MetricsHandler) CostsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	out, err := h.metrics.Costs(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to compute cost metrics")
		WriteError(w, http.StatusInternalServerError, "Failed to compute metrics")
		return
	}
	WriteJSON(w, http.StatusOK, out)
}
