package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"transcode-orchestrator/core/models"
	"transcode-orchestrator/core/repository"
	"transcode-orchestrator/core/repository/memstore"
	"transcode-orchestrator/core/scheduler"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats scheduler.Stats

func (f fixedStats) Stats() scheduler.Stats { return scheduler.Stats(f) }

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func seed(t *testing.T, store *memstore.Store, kind models.EntityKind, key, status string) {
	t.Helper()
	require.NoError(t, store.Commit(context.Background(), repository.Commit{
		Entity: &models.EntityRecord{Kind: kind, Key: key, Status: status, State: []byte(`{}`), UpdatedAt: time.Now()},
	}))
}

func TestPrometheusMetrics(t *testing.T) {
	store := memstore.New()
	seed(t, store, models.KindCoordinator, "j1", "Succeeded")
	seed(t, store, models.KindCoordinator, "j2", "Succeeded")
	seed(t, store, models.KindCoordinator, "j3", "Processing")
	seed(t, store, models.KindTracker, "j3|a", "TimedOut")

	exporter := NewMetricsExporter(store, fixedStats{Delivered: 12, Dropped: 1})
	text, err := exporter.GetPrometheusMetrics(context.Background())
	require.NoError(t, err)

	assert.Contains(t, text, "# TYPE transcode_jobs gauge\n")
	assert.Contains(t, text, `transcode_jobs{state="Succeeded"} 2`)
	assert.Contains(t, text, `transcode_jobs{state="Processing"} 1`)
	assert.Contains(t, text, `transcode_attempts{state="TimedOut"} 1`)
	assert.Contains(t, text, `transcode_signals_total{outcome="delivered"} 12`)
	assert.Contains(t, text, `transcode_signals_total{outcome="dropped"} 1`)
}

func TestSummaryAndReport(t *testing.T) {
	store := memstore.New()
	seed(t, store, models.KindCoordinator, "j1", "Failed")

	exporter := NewMetricsExporter(store, nil)
	summary, err := exporter.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary[models.KindCoordinator]["Failed"])
	assert.Empty(t, summary[models.KindOutputTracker])

	// report only logs; it must cope with a missing stats source
	NewJobMonitor(exporter, 0, hclog.NewNullLogger()).Report(context.Background())
}

func TestHealthReporter(t *testing.T) {
	h := NewHealthReporter(memstore.New()).Check(context.Background())
	assert.Equal(t, "ok", h.Status)
	assert.Positive(t, h.CPUCount)

	h = NewHealthReporter(failingPinger{}).Check(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "connection refused", h.Store)
}
