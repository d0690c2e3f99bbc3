package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"papermill/internal/callback"
	"papermill/internal/changes"
	"papermill/internal/config"
	"papermill/internal/converter"
	"papermill/internal/coordination"
	"papermill/internal/doctask"
	"papermill/internal/logging"
	"papermill/internal/metrics"
	"papermill/internal/pubsub"
	"papermill/internal/queue"
	"papermill/internal/storage"
	"papermill/internal/taskresult"
)

// Orchestrator owns the command-to-task and result-to-row flows.
type Orchestrator struct {
	cfg       *config.Config
	results   taskresult.Store
	changes   *changes.Store
	gateway   storage.Gateway
	queue     *queue.Store
	coord     coordination.Store
	bus       pubsub.Channel
	deliverer *callback.Deliverer
	logger    *slog.Logger
	metrics   *metrics.Metrics

	wg sync.WaitGroup

	now func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func New(cfg *config.Config, results taskresult.Store, changesStore *changes.Store, gateway storage.Gateway, queueStore *queue.Store, coord coordination.Store, bus pubsub.Channel, deliverer *callback.Deliverer, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &Orchestrator{
		cfg:       cfg,
		results:   results,
		changes:   changesStore,
		gateway:   gateway,
		queue:     queueStore,
		coord:     coord,
		bus:       bus,
		deliverer: deliverer,
		logger:    logging.NewComponentLogger(logger, "orchestrator"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// enqueue publishes the task to the conversion queue.
func (o *Orchestrator) enqueue(ctx context.Context, task *doctask.QueueTask, priority queue.Priority, delay time.Duration) error {
	payload, err := task.Marshal()
	if err != nil {
		return err
	}
	if _, err := o.queue.Publish(ctx, queue.ConvertTask, payload, priority, queue.PublishOptions{Delay: delay}); err != nil {
		return err
	}
	o.logger.Debug("conversion task enqueued",
		logging.String("doc_id", task.Cmd.DocID),
		logging.String("verb", task.Cmd.C),
		logging.Int("priority", int(priority)))
	return nil
}

// openPriority ranks a conversion by its input format. Slow renderers go to
// the back of the line so quick office formats are not starved behind them.
func openPriority(format string) queue.Priority {
	if converter.IsLowPriorityInput(format) {
		return queue.PriorityLow
	}
	return queue.PriorityNormal
}

// newSaveKey allocates a storage namespace for one save episode. Concurrent
// saves of the same document each get their own prefix.
func newSaveKey(docID string) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return docID + "_" + hex.EncodeToString(buf[:])
}

// forgottenSource checks whether a recovery copy exists for the document and
// returns its storage prefix, or empty.
func (o *Orchestrator) forgottenSource(ctx context.Context, docID string) string {
	prefix := o.cfg.Storage.ForgottenPrefix + "/" + docID
	keys, err := o.gateway.List(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return ""
	}
	return prefix
}

// broadcast publishes a cluster notice; a nil bus (single node, no ws peers)
// is fine.
func (o *Orchestrator) broadcast(ctx context.Context, msg pubsub.Message) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, msg); err != nil {
		o.logger.Warn("broadcast failed", logging.Error(err),
			logging.String("type", string(msg.Type)))
	}
}
