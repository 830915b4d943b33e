package monitoring

import (
	"context"
	"time"

	"transcode-orchestrator/core/models"

	"github.com/hashicorp/go-hclog"
)

// JobMonitor periodically logs how many jobs and attempts are in flight
type JobMonitor struct {
	exporter *MetricsExporter
	interval time.Duration
	logger   hclog.Logger
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(exporter *MetricsExporter, interval time.Duration, logger hclog.Logger) *JobMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &JobMonitor{
		exporter: exporter,
		interval: interval,
		logger:   logger.Named("job-monitor"),
	}
}

// Start starts the monitoring loop
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.Report(ctx)
		}
	}
}

// Report logs one snapshot of entity counts
func (jm *JobMonitor) Report(ctx context.Context) {
	summary, err := jm.exporter.Summary(ctx)
	if err != nil {
		jm.logger.Error("failed to collect job counts", "error", err)
		return
	}

	jobs := summary[models.KindCoordinator]
	attempts := summary[models.KindTracker]
	args := []interface{}{
		"jobs_processing", jobs[string(models.JobStateProcessing)],
		"jobs_succeeded", jobs[string(models.JobStateSucceeded)],
		"jobs_failed", jobs[string(models.JobStateFailed)],
		"attempts_processing", attempts[string(models.AttemptStateProcessing)],
		"attempts_timed_out", attempts[string(models.AttemptStateTimedOut)],
	}
	if s := jm.exporter.stats; s != nil {
		stats := s.Stats()
		args = append(args, "signals_delivered", stats.Delivered, "signals_failed", stats.Failed, "signals_dropped", stats.Dropped)
	}
	jm.logger.Info("orchestrator status", args...)
}
