package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/metrics"
)

// HostStats is a point-in-time sample of host resource usage
type HostStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used_bytes"`
	MemoryTotal   uint64    `json:"memory_total_bytes"`
	SampledAt     time.Time `json:"sampled_at"`
}

// HostCollector samples CPU and memory usage and keeps the latest sample
type HostCollector struct {
	logger *zap.Logger
	mu     sync.RWMutex
	last   *HostStats
	now    func() time.Time
}

// NewHostCollector creates a collector with no sample yet
func NewHostCollector(logger *zap.Logger) *HostCollector {
	return &HostCollector{
		logger: logger.Named("host-collector"),
		now:    time.Now,
	}
}

// Collect takes a new sample, publishes it as gauges and stores it
func (c *HostCollector) Collect(ctx context.Context) error {
	// zero interval compares against the previous call instead of blocking
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get memory usage: %w", err)
	}

	stats := &HostStats{
		MemoryPercent: memInfo.UsedPercent,
		MemoryUsed:    memInfo.Used,
		MemoryTotal:   memInfo.Total,
		SampledAt:     c.now().UTC(),
	}
	if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	metrics.HostCPUPercent.Set(stats.CPUPercent)
	metrics.HostMemoryPercent.Set(stats.MemoryPercent)

	c.mu.Lock()
	c.last = stats
	c.mu.Unlock()

	c.logger.Debug("Host stats collected",
		zap.Float64("cpu_percent", stats.CPUPercent),
		zap.Float64("memory_percent", stats.MemoryPercent))
	return nil
}

// Latest returns the most recent sample, or nil before the first Collect
func (c *HostCollector) Latest() *HostStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil
	}
	stats := *c.last
	return &stats
}
