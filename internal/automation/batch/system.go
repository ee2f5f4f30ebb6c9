package batch

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is the host load around a run.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	Goroutines    int     `json:"goroutines"`
}

// TakeSnapshot samples CPU and memory. Sampling errors leave fields zero.
func TakeSnapshot(ctx context.Context) *SystemSnapshot {
	s := &SystemSnapshot{Goroutines: runtime.NumGoroutine()}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsedMB = vm.Used / 1024 / 1024
	} else {
		slog.Debug("Memory sample failed", "error", err)
	}

	// zero interval compares against the previous call
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else if err != nil {
		slog.Debug("CPU sample failed", "error", err)
	}
	return s
}
