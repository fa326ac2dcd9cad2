// Package system reports host resource usage for the dashboard
package system

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is a snapshot of host resource usage. Collectors that fail on the
// current platform leave their fields zero.
type Stats struct {
	Hostname           string    `json:"hostname"`
	Goroutines         int       `json:"goroutines"`
	UptimeSeconds      uint64    `json:"uptime_seconds"`
	CPUUsagePercent    float64   `json:"cpu_usage_percent"`
	MemoryUsagePercent float64   `json:"memory_usage_percent"`
	MemoryUsedBytes    uint64    `json:"memory_used_bytes"`
	MemoryTotalBytes   uint64    `json:"memory_total_bytes"`
	LoadAvg1m          float64   `json:"load_avg_1m"`
	LoadAvg5m          float64   `json:"load_avg_5m"`
	LoadAvg15m         float64   `json:"load_avg_15m"`
	DiskUsagePercent   float64   `json:"disk_usage_percent"`
	DiskFreeBytes      uint64    `json:"disk_free_bytes"`
	CollectedAt        time.Time `json:"collected_at"`
}

// Collect samples CPU, memory, load and the disk holding dataDir.
// An empty dataDir skips the disk sample.
func Collect(ctx context.Context, dataDir string) *Stats {
	s := &Stats{
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now(),
	}
	s.Hostname, _ = os.Hostname()

	// Zero interval compares against the previous call
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUUsagePercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryUsagePercent = vm.UsedPercent
		s.MemoryUsedBytes = vm.Used
		s.MemoryTotalBytes = vm.Total
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.LoadAvg1m = avg.Load1
		s.LoadAvg5m = avg.Load5
		s.LoadAvg15m = avg.Load15
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		s.UptimeSeconds = up
	}

	if dataDir != "" {
		if du, err := disk.UsageWithContext(ctx, dataDir); err == nil {
			s.DiskUsagePercent = du.UsedPercent
			s.DiskFreeBytes = du.Free
		}
	}

	return s
}
