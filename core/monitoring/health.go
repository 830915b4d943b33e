package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Pinger checks a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HostHealth is the snapshot served on /health
type HostHealth struct {
	Status        string    `json:"status"`
	Store         string    `json:"store"`
	CheckedAt     time.Time `json:"checkedAt"`
	CPUCount      int       `json:"cpuCount"`
	Load1         float64   `json:"load1,omitempty"`
	Load5         float64   `json:"load5,omitempty"`
	MemoryUsedPct float64   `json:"memoryUsedPercent,omitempty"`
	MemoryAvailMB uint64    `json:"memoryAvailableMb,omitempty"`
	Goroutines    int       `json:"goroutines"`
}

// HealthReporter combines the store check with host metrics
type HealthReporter struct {
	store Pinger
}

// NewHealthReporter creates a health reporter
func NewHealthReporter(store Pinger) *HealthReporter {
	return &HealthReporter{store: store}
}

// Check reports healthy only when the store answers. Host metrics are best effort.
func (hr *HealthReporter) Check(ctx context.Context) HostHealth {
	h := HostHealth{
		Status:     "ok",
		Store:      "ok",
		CheckedAt:  time.Now().UTC(),
		CPUCount:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}

	if err := hr.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Store = err.Error()
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		h.Load1 = avg.Load1
		h.Load5 = avg.Load5
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemoryUsedPct = vm.UsedPercent
		h.MemoryAvailMB = vm.Available / (1024 * 1024)
	}
	return h
}
