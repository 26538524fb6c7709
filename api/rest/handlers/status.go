package handlers

import (
	"context"
	"errors"
	"net/http"

	"compute-broker/core/monitoring"
	"compute-broker/storage"
)

type CheckpointReader interface {
	Load() (uint64, error)
}

type CapacityReader interface {
	IdleCores(ctx context.Context) (int, error)
}

// StatusHandler reports the driver's position and the provider's balance
type StatusHandler struct {
	checkpoint CheckpointReader
	capacity   CapacityReader
	revenue    *monitoring.RevenueTracker
	metrics    *monitoring.MetricsExporter
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(checkpoint CheckpointReader, capacity CapacityReader, revenue *monitoring.RevenueTracker, metrics *monitoring.MetricsExporter) *StatusHandler {
	return &StatusHandler{
		checkpoint: checkpoint,
		capacity:   capacity,
		revenue:    revenue,
		metrics:    metrics,
	}
}

// Health handles GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetCheckpoint handles GET /v1/checkpoint
func (h *StatusHandler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	block, err := h.checkpoint.Load()
	if errors.Is(err, storage.ErrUninitializedCheckpoint) {
		http.Error(w, "Checkpoint not initialized", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to read checkpoint: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"block_number": block})
}

// GetStatus handles GET /v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}

	if idle, err := h.capacity.IdleCores(r.Context()); err != nil {
		resp["scheduler_error"] = err.Error()
	} else {
		resp["idle_cores"] = idle
	}

	if h.revenue != nil {
		quoted, quotes := h.revenue.Quoted()
		resp["revenue"] = map[string]interface{}{
			"received": h.revenue.Received(),
			"quoted":   quoted,
			"quotes":   quotes,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Metrics handles GET /metrics
func (h *StatusHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(h.metrics.GetPrometheusMetrics()))
}
