package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SampleSystem periodically samples process CPU/memory via gopsutil and
// goroutine count via the runtime package into m, until ctx is canceled.
// This is observability only — see the package doc.
func SampleSystem(ctx context.Context, m *Metrics, interval time.Duration, logger zerolog.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("failed to open self process handle for system sampling")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
				m.CPUPercent.Set(pct)
			}
			if memPct, err := proc.MemoryPercentWithContext(ctx); err == nil {
				m.MemoryPercent.Set(float64(memPct))
			}
			m.Goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
