package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)       // POST (create), GET (list)
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.GetJobHandler) // GET /{id}

	// API routes - Results
	mux.HandleFunc("/api/results/", s.app.ResultsHandler.GetResultsHandler) // GET /{query}
	mux.HandleFunc("/api/reports/recent", s.app.ResultsHandler.RecentReportsHandler)

	// API routes - Monitoring
	mux.HandleFunc("/api/metrics/reports", s.app.MetricsHandler.ReportsHandler)
	mux.HandleFunc("/api/metrics/pipeline", s.app.MetricsHandler.PipelineHandler)
	mux.HandleFunc("/api/metrics/costs", s.app.MetricsHandler.CostsHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute dispatches /api/jobs by method
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "POST":
		s.app.JobHandler.CreateJobHandler(w, r)
	case "GET":
		s.app.JobHandler.ListJobsHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
