package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// FanoutConfig tunes the websocket fan-out.
type FanoutConfig struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	SendBufferSize int
}

// DefaultFanoutConfig returns the production defaults.
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		SendBufferSize: 64,
	}
}

// Fanout bridges broker matter channels onto websocket clients. Each
// connection gets its own broker subscription, so a slow client only
// drops its own events.
type Fanout struct {
	broker   ports.Broker
	config   FanoutConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewFanout creates a websocket fan-out over the given broker.
func NewFanout(broker ports.Broker, cfg FanoutConfig, logger *zap.Logger) *Fanout {
	return &Fanout{
		broker: broker,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// wireEvent is what clients receive: the broker event stamped with a
// delivery time.
type wireEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Serve upgrades the request and pumps the scope's matter events until
// the client disconnects or the context ends. Membership must already be
// verified by the caller.
func (f *Fanout) Serve(w http.ResponseWriter, r *http.Request, scope matter.Scope) error {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, release, err := f.broker.Subscribe(ctx, scope.EventChannel())
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer release()

	f.track(conn)
	defer f.untrack(conn)

	f.logger.Info("websocket client attached",
		zap.String("matter_id", scope.MatterID.String()))

	// The read loop only services pong frames and detects disconnects.
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(f.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.config.PongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(f.config.PingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := f.write(conn, event); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *Fanout) write(conn *websocket.Conn, event ports.Event) error {
	payload, err := json.Marshal(wireEvent{
		Type:      event.Type,
		Data:      event.Data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (f *Fanout) track(conn *websocket.Conn) {
	f.mu.Lock()
	f.conns[conn] = struct{}{}
	f.mu.Unlock()
}

func (f *Fanout) untrack(conn *websocket.Conn) {
	f.mu.Lock()
	delete(f.conns, conn)
	f.mu.Unlock()
}

// ConnectionCount reports attached clients, for health reporting.
func (f *Fanout) ConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Close disconnects every client.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	f.conns = make(map[*websocket.Conn]struct{})
	return nil
}
