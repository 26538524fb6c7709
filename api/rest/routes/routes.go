package routes

import (
	"compute-broker/api/rest/handlers"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, jobs *handlers.JobHandler, status *handlers.StatusHandler) {
	r.HandleFunc("/health", status.Health).Methods("GET")
	r.HandleFunc("/metrics", status.Metrics).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/checkpoint", status.GetCheckpoint).Methods("GET")
	api.HandleFunc("/status", status.GetStatus).Methods("GET")

	// Job endpoints
	api.HandleFunc("/jobs", jobs.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{key}/{index:[0-9]+}", jobs.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{key}/{index:[0-9]+}/events", jobs.GetJobEvents).Methods("GET")
	api.HandleFunc("/dispatches", jobs.ListDispatches).Methods("GET")
}
