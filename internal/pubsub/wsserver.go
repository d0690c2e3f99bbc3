package pubsub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"papermill/internal/logging"
)

const wsWriteTimeout = 10 * time.Second

// HubServer exposes an in-memory hub to remote nodes over websocket. Frames
// received from any client are published into the hub; every hub message is
// fanned out to every connected client.
type HubServer struct {
	hub    *Hub
	bus    Channel
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	startOnce sync.Once
	closed    chan struct{}
}

func NewHubServer(hub *Hub, logger *slog.Logger) *HubServer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HubServer{
		hub:    hub,
		bus:    hub.Subscribe(),
		logger: logging.NewComponentLogger(logger, "pubsub-hub"),
		conns:  make(map[*websocket.Conn]struct{}),
		closed: make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and attaches the client to the hub until
// the connection drops.
func (s *HubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.startOnce.Do(func() { go s.fanOut() })

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", logging.Error(err))
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.CloseNow()
	}()

	ctx := r.Context()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			s.logger.Warn("dropping malformed broadcast frame", logging.Error(err))
			continue
		}
		if err := s.bus.Publish(ctx, msg); err != nil {
			return
		}
	}
}

// fanOut forwards hub messages to every connected websocket client.
func (s *HubServer) fanOut() {
	for {
		select {
		case msg, ok := <-s.bus.Messages():
			if !ok {
				return
			}
			raw, err := Encode(msg)
			if err != nil {
				s.logger.Warn("dropping unencodable broadcast", logging.Error(err))
				continue
			}
			s.mu.Lock()
			targets := make([]*websocket.Conn, 0, len(s.conns))
			for conn := range s.conns {
				targets = append(targets, conn)
			}
			s.mu.Unlock()
			for _, conn := range targets {
				writeCtx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
				if err := conn.Write(writeCtx, websocket.MessageText, raw); err != nil {
					s.logger.Warn("write to cluster node failed", logging.Error(err))
				}
				cancel()
			}
		case <-s.closed:
			return
		}
	}
}

// Close detaches the server from the hub and drops all clients.
func (s *HubServer) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
	}
	return s.bus.Close()
}
