package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DepthFunc reports the number of pending triggers.
type DepthFunc func(ctx context.Context) (int64, error)

// Sampler periodically copies the queue depth into a gauge.
type Sampler struct {
	depth    DepthFunc
	gauge    prometheus.Gauge
	interval time.Duration
}

// NewSampler creates a background depth sampler.
func NewSampler(depth DepthFunc, gauge prometheus.Gauge, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sampler{depth: depth, gauge: gauge, interval: interval}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "telemetry.sampler"))
	log.Debug("starting queue depth sampler", zap.Duration("interval", s.interval))

	s.Sample(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Sample takes one reading.
func (s *Sampler) Sample(ctx context.Context) {
	n, err := s.depth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Warn("telemetry: sample queue depth", zap.Error(err))
		}
		return
	}
	s.gauge.Set(float64(n))
}
