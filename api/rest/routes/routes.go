package routes

import (
	"transcode-orchestrator/api/rest/handlers"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, jobs *handlers.JobHandler, events *handlers.EventHandler, dashboard *handlers.DashboardHandler) {
	api := r.PathPrefix("/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", jobs.CreateJob).Methods("POST")
	api.HandleFunc("/jobs/{id}", jobs.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/attempts", jobs.GetJobAttempts).Methods("GET")

	// Backend push notifications
	api.HandleFunc("/events", events.ReceiveEvents).Methods("POST")

	api.HandleFunc("/dashboard/summary", dashboard.GetSummary).Methods("GET")

	r.HandleFunc("/metrics", dashboard.GetMetrics).Methods("GET")
	r.HandleFunc("/health", dashboard.GetHealth).Methods("GET")
}
