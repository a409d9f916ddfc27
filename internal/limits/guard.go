package limits

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/erikscolaro/ironlink/internal/metrics"
)

// ResourceGuard samples host-wide CPU usage on an interval and rejects
// new connections above a threshold. Existing connections are never touched;
// the guard only narrows the front door while the box is hot.
type ResourceGuard struct {
	threshold  float64
	interval   time.Duration
	cpuPercent atomic.Uint64 // math.Float64bits of the last sample
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

func NewResourceGuard(threshold float64, interval time.Duration, logger zerolog.Logger, m *metrics.Metrics) *ResourceGuard {
	return &ResourceGuard{
		threshold: threshold,
		interval:  interval,
		logger:    logger,
		metrics:   m,
	}
}

// Start launches the sampling loop. It returns immediately; sampling stops
// when ctx is cancelled.
func (g *ResourceGuard) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

func (g *ResourceGuard) sample() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		g.logger.Debug().Err(err).Msg("CPU sample failed")
		return
	}
	g.cpuPercent.Store(math.Float64bits(percents[0]))
	g.metrics.CPUPercent.Set(percents[0])
}

// CPU returns the last sampled CPU percentage.
func (g *ResourceGuard) CPU() float64 {
	return math.Float64frombits(g.cpuPercent.Load())
}

// ShouldAccept reports whether a new connection may be admitted. A zero
// threshold disables the check.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	if g.threshold <= 0 {
		return true, ""
	}
	if current := g.CPU(); current > g.threshold {
		return false, "cpu above reject threshold"
	}
	return true, ""
}
