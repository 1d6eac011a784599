// Package push maintains the WebSocket channel that delivers notifications in
// real time, reconnecting with jittered exponential backoff for as long as it
// is running.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cargoline/opsdash/internal/logger"
	"github.com/cargoline/opsdash/internal/metrics"
)

// EventNotificationNew is the only event forwarded to the handler.
const EventNotificationNew = "notification:new"

const (
	DefaultAuthParam        = "token"
	DefaultPingInterval     = 25 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config configures a Transport.
type Config struct {
	URL   string
	Token string

	// AuthParam is the query parameter carrying Token.
	AuthParam string

	Backoff          Backoff
	PingInterval     time.Duration
	PongWait         time.Duration
	HandshakeTimeout time.Duration
}

// Handler receives transport events. Callbacks run on the transport goroutine,
// one at a time, and never after Close has returned.
type Handler interface {
	OnConnect()
	OnDisconnect(err error)
	OnNotification(data []byte)
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Transport is a self-healing push connection.
type Transport struct {
	cfg     Config
	handler Handler
	logger  *logger.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	connected atomic.Bool
}

// New creates a transport. Zero-valued durations in cfg take the defaults and
// a zero Backoff takes DefaultBackoff.
func New(cfg Config, handler Handler, log *logger.Logger) *Transport {
	if cfg.AuthParam == "" {
		cfg.AuthParam = DefaultAuthParam
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Transport{
		cfg:     cfg,
		handler: handler,
		logger:  log.WithComponent("push"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Start begins connecting in the background. Calls after the first, or after
// Close, do nothing.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.closed {
		return
	}
	t.started = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(ctx, t.done)
}

// Close stops reconnecting, closes the socket and waits for the transport
// goroutine to exit. It is idempotent and safe before Start.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether the socket is currently open.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

func (t *Transport) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	attempt := 0
	for {
		if attempt > 0 {
			metrics.PushReconnects.Inc()
		}

		conn, err := t.dial(ctx)
		if err == nil {
			attempt = 0
			err = t.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			return
		}
		t.handler.OnDisconnect(err)

		delay := t.cfg.Backoff.Delay(attempt)
		attempt++

		t.logger.Info("push channel unavailable, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", errString(err)))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid push url: %w", err)
	}
	query := endpoint.Query()
	query.Set(t.cfg.AuthParam, t.cfg.Token)
	endpoint.RawQuery = query.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("push handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("push dial failed: %w", err)
	}
	return conn, nil
}

// serve runs one connection until it fails or ctx is canceled.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	t.connected.Store(true)
	metrics.PushConnected.Set(1)
	defer func() {
		t.connected.Store(false)
		metrics.PushConnected.Set(0)
	}()

	t.logger.Info("push channel connected", slog.String("host", conn.RemoteAddr().String()))
	t.handler.OnConnect()

	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go t.keepalive(ctx, conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("push channel closed by server")
			}
			return fmt.Errorf("push read failed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Debug("dropped malformed push frame", slog.Int("bytes", len(data)))
			continue
		}

		if msg.Event != EventNotificationNew {
			t.logger.Debug("ignored push event", slog.String("event", msg.Event))
			continue
		}
		if len(msg.Data) == 0 {
			t.logger.Debug("dropped push event without data")
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.handler.OnNotification(msg.Data)
	}
}

// keepalive pings the server and closes the socket when ctx is canceled so
// that the blocked read returns.
func (t *Transport) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.Debug("failed to send ping", slog.String("error", err.Error()))
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-stop:
			return
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
