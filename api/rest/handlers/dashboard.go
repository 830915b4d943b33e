package handlers

import (
	"encoding/json"
	"net/http"

	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/monitoring"

	"github.com/hashicorp/go-hclog"
)

// DashboardHandler serves operational views of the orchestrator
type DashboardHandler struct {
	exporter *monitoring.MetricsExporter
	health   *monitoring.HealthReporter
	logger   hclog.Logger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(exporter *monitoring.MetricsExporter, health *monitoring.HealthReporter, logger hclog.Logger) *DashboardHandler {
	return &DashboardHandler{
		exporter: exporter,
		health:   health,
		logger:   logger.Named("dashboard-api"),
	}
}

// GetMetrics handles GET /metrics
func (h *DashboardHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := h.exporter.GetPrometheusMetrics(r.Context())
	if err != nil {
		h.logger.Error("failed to collect metrics", "error", err)
		http.Error(w, "Failed to collect metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(text))
}

// GetHealth handles GET /health
func (h *DashboardHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	health := h.health.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

// GetSummary handles GET /v1/dashboard/summary
func (h *DashboardHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.exporter.Summary(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch summary: "+err.Error(), http.StatusInternalServerError)
		return
	}

	jobs := summary[models.KindCoordinator]
	total := 0
	for _, n := range jobs {
		total += n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs": map[string]interface{}{
			"total":   total,
			"byState": jobs,
		},
		"attempts": summary[models.KindTracker],
		"outputs":  summary[models.KindOutputTracker],
	})
}
