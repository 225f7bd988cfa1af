// Package sysmon samples host CPU usage on an interval, purely for
// observability — it never gates or throttles any operation, unlike
// the teacher's cgroup-aware CPU guard. Grounded on the teacher's
// platform.ContainerCPU fallback path, which samples via
// gopsutil/v3/cpu when no cgroup quota is detected.
package sysmon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/rs/zerolog"
)

// Sampler periodically measures CPU percent and exposes the last
// reading via Percent.
type Sampler struct {
	interval time.Duration
	logger   zerolog.Logger
	last     atomic.Uint64 // percent*100, stored as integer bits via atomic.Uint64
}

func NewSampler(interval time.Duration, logger zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{interval: interval, logger: logger}
}

// Run samples CPU usage every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
			if err != nil || len(percents) == 0 {
				s.logger.Debug().Err(err).Msg("sysmon: cpu sample failed")
				continue
			}
			s.last.Store(uint64(percents[0] * 100))
		}
	}
}

// Percent returns the most recent CPU usage sample (0-100).
func (s *Sampler) Percent() float64 {
	return float64(s.last.Load()) / 100
}
