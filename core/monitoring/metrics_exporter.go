package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/scheduler"
)

// StatusCounter counts entities per status
type StatusCounter interface {
	CountByStatus(ctx context.Context, kind models.EntityKind) (map[string]int, error)
}

// StatsSource reports signal delivery counters
type StatsSource interface {
	Stats() scheduler.Stats
}

var exportedKinds = []struct {
	kind   models.EntityKind
	metric string
	help   string
}{
	{models.KindCoordinator, "transcode_jobs", "Jobs by state"},
	{models.KindTracker, "transcode_attempts", "Attempts by state"},
	{models.KindOutputTracker, "transcode_outputs", "Output trackers by state"},
}

// MetricsExporter exports metrics for Prometheus
type MetricsExporter struct {
	counter StatusCounter
	stats   StatsSource
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(counter StatusCounter, stats StatsSource) *MetricsExporter {
	return &MetricsExporter{
		counter: counter,
		stats:   stats,
	}
}

// GetPrometheusMetrics returns metrics in Prometheus text format
func (me *MetricsExporter) GetPrometheusMetrics(ctx context.Context) (string, error) {
	var b strings.Builder

	for _, k := range exportedKinds {
		counts, err := me.counter.CountByStatus(ctx, k.kind)
		if err != nil {
			return "", fmt.Errorf("count %s: %w", k.kind, err)
		}

		statuses := make([]string, 0, len(counts))
		for status := range counts {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)

		fmt.Fprintf(&b, "# HELP %s %s\n", k.metric, k.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", k.metric)
		for _, status := range statuses {
			fmt.Fprintf(&b, "%s{state=%q} %d\n", k.metric, status, counts[status])
		}
	}

	if me.stats != nil {
		s := me.stats.Stats()
		fmt.Fprintf(&b, "# HELP transcode_signals_total Signal deliveries by outcome\n")
		fmt.Fprintf(&b, "# TYPE transcode_signals_total counter\n")
		fmt.Fprintf(&b, "transcode_signals_total{outcome=\"delivered\"} %d\n", s.Delivered)
		fmt.Fprintf(&b, "transcode_signals_total{outcome=\"failed\"} %d\n", s.Failed)
		fmt.Fprintf(&b, "transcode_signals_total{outcome=\"conflict\"} %d\n", s.Conflicts)
		fmt.Fprintf(&b, "transcode_signals_total{outcome=\"dropped\"} %d\n", s.Dropped)
	}

	return b.String(), nil
}

// Summary returns entity counts keyed by kind and status
func (me *MetricsExporter) Summary(ctx context.Context) (map[models.EntityKind]map[string]int, error) {
	summary := make(map[models.EntityKind]map[string]int, len(exportedKinds))
	for _, k := range exportedKinds {
		counts, err := me.counter.CountByStatus(ctx, k.kind)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", k.kind, err)
		}
		summary[k.kind] = counts
	}
	return summary, nil
}
