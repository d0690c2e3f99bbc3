package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"papermill/internal/config"
	"papermill/internal/logging"
)

const replayBufferLimit = 256

// Node is a clustered daemon's connection to the hub endpoint. It reconnects
// with a fixed delay when the link drops and buffers locally published
// messages while disconnected, replaying them once the link returns.
type Node struct {
	hubURL         string
	nodeID         string
	reconnectDelay time.Duration
	logger         *slog.Logger

	messages chan Message

	mu      sync.Mutex
	conn    *websocket.Conn
	pending []Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Channel = (*Node)(nil)

// NewNode builds the cluster channel from configuration and starts its
// connection loop.
func NewNode(cfg *config.Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		hubURL:         cfg.Cluster.HubURL,
		nodeID:         cfg.Cluster.NodeID,
		reconnectDelay: time.Duration(cfg.Cluster.ReconnectDelay) * time.Second,
		logger:         logging.NewComponentLogger(logger, "pubsub-node"),
		messages:       make(chan Message, subscriberBuffer),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	if n.reconnectDelay <= 0 {
		n.reconnectDelay = time.Second
	}
	go n.run()
	return n
}

func (n *Node) run() {
	defer close(n.done)
	for {
		if n.ctx.Err() != nil {
			return
		}
		if err := n.connectAndServe(); err != nil && n.ctx.Err() == nil {
			n.logger.Warn("hub connection lost", logging.Error(err),
				logging.String("hub_url", n.hubURL))
		}
		select {
		case <-time.After(n.reconnectDelay):
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) connectAndServe() error {
	dialCtx, cancel := context.WithTimeout(n.ctx, wsWriteTimeout)
	conn, _, err := websocket.Dial(dialCtx, n.hubURL, nil)
	cancel()
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.conn = conn
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	n.logger.Info("connected to hub", logging.String("hub_url", n.hubURL),
		logging.Int("replayed", len(pending)))

	for _, msg := range pending {
		if err := n.write(conn, msg); err != nil {
			n.detach(conn)
			return err
		}
	}

	for {
		_, raw, err := conn.Read(n.ctx)
		if err != nil {
			n.detach(conn)
			return err
		}
		msg, err := Decode(raw)
		if err != nil {
			n.logger.Warn("dropping malformed broadcast frame", logging.Error(err))
			continue
		}
		select {
		case n.messages <- msg:
		default:
			n.logger.Warn("dropping broadcast, consumer is behind",
				logging.String("message_type", string(msg.Type)))
		}
	}
}

func (n *Node) detach(conn *websocket.Conn) {
	n.mu.Lock()
	if n.conn == conn {
		n.conn = nil
	}
	n.mu.Unlock()
	_ = conn.CloseNow()
}

func (n *Node) write(conn *websocket.Conn, msg Message) error {
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(n.ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, raw)
}

// Publish sends the message to the hub, or queues it for replay while the
// link is down.
func (n *Node) Publish(_ context.Context, msg Message) error {
	if msg.NodeID == "" {
		msg.NodeID = n.nodeID
	}

	n.mu.Lock()
	conn := n.conn
	if conn == nil {
		if len(n.pending) >= replayBufferLimit {
			n.pending = n.pending[1:]
			n.logger.Warn("replay buffer full, dropping oldest broadcast")
		}
		n.pending = append(n.pending, msg)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.write(conn, msg); err != nil {
		// The link just dropped. Keep the message for the next session.
		n.mu.Lock()
		n.pending = append(n.pending, msg)
		n.mu.Unlock()
		return nil
	}
	return nil
}

func (n *Node) Messages() <-chan Message {
	return n.messages
}

// Close stops the connection loop and drops the link.
func (n *Node) Close() error {
	n.cancel()
	n.mu.Lock()
	conn := n.conn
	n.conn = nil
	n.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "node shutting down")
	}
	<-n.done
	close(n.messages)
	return nil
}
