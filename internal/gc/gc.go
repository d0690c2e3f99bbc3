// Package gc runs the periodic sweeps: expired cache artifacts, abandoned
// document rows, forgotten-file reclamation, and the force save timer pump.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"papermill/internal/config"
	"papermill/internal/coordination"
	"papermill/internal/logging"
	"papermill/internal/metrics"
	"papermill/internal/orchestrator"
	"papermill/internal/storage"
	"papermill/internal/taskresult"
)

// Sweeper owns the garbage collection loops.
type Sweeper struct {
	cfg     *config.Config
	results taskresult.Store
	gateway storage.Gateway
	coord   coordination.Store
	orch    *orchestrator.Orchestrator
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup

	now func() time.Time
}

// Option configures the sweeper.
type Option func(*Sweeper)

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

func New(cfg *config.Config, results taskresult.Store, gateway storage.Gateway, coord coordination.Store, orch *orchestrator.Orchestrator, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Sweeper{
		cfg:     cfg,
		results: results,
		gateway: gateway,
		coord:   coord,
		orch:    orch,
		logger:  logging.NewComponentLogger(logger, "gc"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := time.Duration(s.cfg.GC.SweepInterval) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Wait blocks until the sweep loop has stopped.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

// Sweep runs one pass of every collector.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepExpiredDocuments(ctx)
	s.pumpForceSaveTimers(ctx)
}

// sweepExpiredDocuments removes rows nobody opened within the expiry window,
// along with their cached artifacts and any forgotten copy. Documents with a
// live editor are spared. Batches repeat until a pass makes no progress, so
// a backlog drains across one sweep rather than one batch per interval.
func (s *Sweeper) sweepExpiredDocuments(ctx context.Context) {
	expire := time.Duration(s.cfg.GC.DocumentExpire) * time.Second
	for {
		rows, err := s.results.GetExpired(ctx, s.cfg.GC.BatchSize, expire)
		if err != nil {
			s.logger.Error("expired row query failed", logging.Error(err))
			return
		}
		if len(rows) == 0 {
			return
		}
		removed := 0
		for _, row := range rows {
			if ctx.Err() != nil {
				return
			}
			editors, err := s.coord.PresenceCount(ctx, row.Key)
			if err != nil {
				s.logger.Warn("presence check failed", logging.Error(err),
					logging.String("doc_id", row.Key))
				continue
			}
			if editors > 0 {
				continue
			}
			if s.cleanupDocument(ctx, row.Key) {
				removed++
			}
		}
		if removed == 0 {
			return
		}
		s.logger.Info("expired documents swept", logging.Int("count", removed))
	}
}

func (s *Sweeper) cleanupDocument(ctx context.Context, docID string) bool {
	if err := s.gateway.DeletePath(ctx, docID); err != nil {
		s.logger.Warn("cache cleanup failed", logging.Error(err),
			logging.String("doc_id", docID))
		return false
	}
	forgotten := s.cfg.Storage.ForgottenPrefix + "/" + docID
	if err := s.gateway.DeletePath(ctx, forgotten); err != nil {
		s.logger.Warn("forgotten cleanup failed", logging.Error(err),
			logging.String("doc_id", docID))
	}
	if err := s.results.Remove(ctx, docID); err != nil {
		s.logger.Warn("row removal failed", logging.Error(err),
			logging.String("doc_id", docID))
		return false
	}
	if err := s.coord.RemoveForceSave(ctx, docID); err != nil {
		s.logger.Warn("force save descriptor removal failed", logging.Error(err),
			logging.String("doc_id", docID))
	}
	return true
}

// pumpForceSaveTimers harvests fired timers and dispatches the timeout-kind
// force save for each.
func (s *Sweeper) pumpForceSaveTimers(ctx context.Context) {
	if !s.cfg.ForceSave.Enabled || s.orch == nil {
		return
	}
	docIDs, err := s.coord.TakeExpiredForceSaveTimers(ctx, s.now())
	if err != nil {
		s.logger.Error("force save timer harvest failed", logging.Error(err))
		return
	}
	for _, docID := range docIDs {
		if err := s.orch.Sfct(ctx, docID); err != nil {
			s.logger.Error("timed force save dispatch failed", logging.Error(err),
				logging.String("doc_id", docID))
		}
	}
}
