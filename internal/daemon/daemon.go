package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"papermill/internal/callback"
	"papermill/internal/changes"
	"papermill/internal/config"
	"papermill/internal/converter"
	"papermill/internal/coordination"
	"papermill/internal/fetch"
	"papermill/internal/gc"
	"papermill/internal/logging"
	"papermill/internal/metrics"
	"papermill/internal/orchestrator"
	"papermill/internal/pubsub"
	"papermill/internal/queue"
	"papermill/internal/shutdown"
	"papermill/internal/storage"
	"papermill/internal/taskresult"
)

// Daemon wires the stores, worker pool, orchestrator, sweeps, and HTTP API
// into one lifecycle, guarded by a lock file so only one instance runs per
// data directory.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lockPath string
	lock     *flock.Flock

	results  taskresult.Store
	changes  *changes.Store
	queue    *queue.Store
	gateway  storage.Gateway
	coord    coordination.Store
	hub      *pubsub.Hub
	bus      pubsub.Channel
	node     *pubsub.Node
	engine   *converter.Engine
	orch     *orchestrator.Orchestrator
	sweeper  *gc.Sweeper
	drainer  *shutdown.Drainer
	metrics  *metrics.Metrics
	server   *http.Server
	wsServer *pubsub.HubServer

	running  atomic.Bool
	draining atomic.Bool
	cancel   context.CancelFunc
}

// New opens every store and wires the services. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	results, err := taskresult.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	changesStore, err := changes.Open(cfg)
	if err != nil {
		results.Close()
		return nil, fmt.Errorf("open changes store: %w", err)
	}
	queueStore, err := queue.Open(cfg)
	if err != nil {
		changesStore.Close()
		results.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	gateway, err := storage.NewFS(cfg)
	if err != nil {
		queueStore.Close()
		changesStore.Close()
		results.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	fetcher, err := fetch.New(cfg, logger)
	if err != nil {
		queueStore.Close()
		changesStore.Close()
		results.Close()
		return nil, fmt.Errorf("build fetcher: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: filepath.Join(cfg.Paths.DataDir, "papermilld.lock"),
		results:  results,
		changes:  changesStore,
		queue:    queueStore,
		gateway:  gateway,
		coord:    coordination.NewMemory(),
		metrics:  metrics.New(),
	}
	d.lock = flock.New(d.lockPath)

	// Cluster broadcast: a local hub always runs so in-process subscribers
	// and websocket peers share one bus; an upstream hub connection is
	// layered on when configured.
	d.hub = pubsub.NewHub(logger)
	d.wsServer = pubsub.NewHubServer(d.hub, logger)
	if cfg.Cluster.Enabled && cfg.Cluster.HubURL != "" {
		d.node = pubsub.NewNode(cfg, logger)
		d.bus = d.node
	} else {
		d.bus = d.hub.Subscribe()
	}

	deliverer := callback.New(cfg, results, gateway, d.coord, queueStore, logger,
		callback.WithMetrics(d.metrics),
		callback.WithDrainCheck(d.draining.Load))
	d.engine = converter.New(cfg, queueStore, gateway, changesStore, fetcher, logger,
		converter.WithMetrics(d.metrics))
	d.orch = orchestrator.New(cfg, results, changesStore, gateway, queueStore, d.coord, d.bus, deliverer, logger,
		orchestrator.WithMetrics(d.metrics))
	d.sweeper = gc.New(cfg, results, gateway, d.coord, d.orch, logger,
		gc.WithMetrics(d.metrics))
	d.drainer = shutdown.New(cfg, d.coord, d.bus, logger,
		shutdown.WithMetrics(d.metrics))

	d.server = &http.Server{
		Addr:        cfg.Paths.APIBind,
		Handler:     d.routes(),
		ReadTimeout: 30 * time.Second,
	}
	return d, nil
}

// Start acquires the instance lock and launches every background service.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another papermill daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.engine.Start(runCtx)
	d.orch.Start(runCtx)
	d.sweeper.Start(runCtx)
	go d.watchBus(runCtx)

	go func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("api server failed", logging.Error(err))
		}
	}()

	d.running.Store(true)
	d.logger.Info("papermill daemon started",
		logging.String("bind", d.cfg.Paths.APIBind),
		logging.String("lock", d.lockPath))
	return nil
}

// watchBus reacts to cluster broadcasts: a shutdown notice flips this node
// into draining mode.
func (d *Daemon) watchBus(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-d.bus.Messages():
			if !open {
				return
			}
			if msg.Type == pubsub.TypeShutdown {
				d.draining.Store(true)
				d.logger.Info("draining: shutdown notice received")
			}
		}
	}
}

// Stop drains pending saves, halts the services, and releases the lock.
func (d *Daemon) Stop(ctx context.Context) {
	if !d.running.Load() {
		return
	}
	d.draining.Store(true)
	if !d.drainer.Drain(ctx) {
		d.logger.Error("saves remained after drain; exiting anyway")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("api shutdown failed", logging.Error(err))
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.engine.Wait()
	d.orch.Wait()
	d.sweeper.Wait()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("lock release failed", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("papermill daemon stopped")
}

// Close releases every store. Call after Stop.
func (d *Daemon) Close() error {
	var errs []error
	if d.wsServer != nil {
		errs = append(errs, d.wsServer.Close())
	}
	if d.node != nil {
		errs = append(errs, d.node.Close())
	} else if d.bus != nil {
		errs = append(errs, d.bus.Close())
	}
	if d.queue != nil {
		errs = append(errs, d.queue.Close())
	}
	if d.changes != nil {
		errs = append(errs, d.changes.Close())
	}
	if d.results != nil {
		errs = append(errs, d.results.Close())
	}
	return errors.Join(errs...)
}

// Draining reports whether a cluster shutdown is in progress.
func (d *Daemon) Draining() bool {
	return d.draining.Load()
}
