// Package shutdown implements the cluster drain protocol: announce, give
// pending saves a grace window to register, then wait them out under a hard
// ceiling.
package shutdown

import (
	"context"
	"log/slog"
	"time"

	"papermill/internal/config"
	"papermill/internal/coordination"
	"papermill/internal/logging"
	"papermill/internal/metrics"
	"papermill/internal/pubsub"
)

// Drainer runs the shutdown drain.
type Drainer struct {
	cfg     *config.Config
	coord   coordination.Store
	bus     pubsub.Channel
	logger  *slog.Logger
	metrics *metrics.Metrics

	poll time.Duration
}

// Option configures the drainer.
type Option func(*Drainer)

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Drainer) {
		d.metrics = m
	}
}

// WithPollInterval overrides the counter poll cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Drainer) {
		if interval > 0 {
			d.poll = interval
		}
	}
}

func New(cfg *config.Config, coord coordination.Store, bus pubsub.Channel, logger *slog.Logger, opts ...Option) *Drainer {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Drainer{
		cfg:    cfg,
		coord:  coord,
		bus:    bus,
		logger: logging.NewComponentLogger(logger, "shutdown"),
		poll:   time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Drain announces the shutdown and waits for registered saves to finish. It
// reports whether the cluster drained fully; a leftover count is logged but
// must not block process exit.
func (d *Drainer) Drain(ctx context.Context) bool {
	if err := d.coord.CleanupShutdown(ctx, coordination.ShutdownSave); err != nil {
		d.logger.Error("shutdown counter reset failed", logging.Error(err))
		return false
	}
	if d.bus != nil {
		if err := d.bus.Publish(ctx, pubsub.Message{Type: pubsub.TypeShutdown}); err != nil {
			d.logger.Warn("shutdown announcement failed", logging.Error(err))
		}
	}

	remaining := d.waitForSaves(ctx)
	if err := d.coord.CleanupShutdown(ctx, coordination.ShutdownSave); err != nil {
		d.logger.Error("shutdown counter cleanup failed", logging.Error(err))
	}
	if remaining > 0 {
		d.logger.Error("cluster did not drain fully",
			logging.Int("remaining", remaining))
		return false
	}
	d.logger.Info("cluster drained")
	return true
}

// waitForSaves polls the counter until it drops to zero after the grace
// window, the ceiling passes, or the context cancels. It returns the last
// observed count.
func (d *Drainer) waitForSaves(ctx context.Context) int {
	grace := time.Duration(d.cfg.Shutdown.WaitTimeout) * time.Second
	ceiling := grace + d.cfg.ConversionTimeout()
	start := time.Now()

	remaining := 0
	for {
		count, err := d.coord.ShutdownCount(ctx, coordination.ShutdownSave)
		if err != nil {
			d.logger.Error("shutdown count failed", logging.Error(err))
			return remaining
		}
		remaining = count
		if d.metrics != nil {
			d.metrics.ShutdownRemaining.Set(float64(count))
		}
		elapsed := time.Since(start)
		// Inside the grace window even a zero count keeps waiting: saves
		// triggered by the announcement may not have registered yet.
		if elapsed >= grace && count == 0 {
			return 0
		}
		if elapsed >= ceiling {
			d.logger.Error("drain ceiling reached",
				logging.Int("remaining", count))
			return remaining
		}
		select {
		case <-ctx.Done():
			d.logger.Warn("drain canceled", logging.Int("remaining", count))
			return remaining
		case <-time.After(d.poll):
		}
	}
}
