package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sparkhq/spark-notify/pkg/logger"
)

// ErrNoToken is returned by Connect when no auth token has been configured.
var ErrNoToken = errors.New("notify: no authentication token configured")

// State describes the connection lifecycle of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives notifications pushed by the server. Handlers run on the
// transport's read goroutine and should return quickly.
type Handler func(Notification)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnects     = 5
	transportWriteWait       = 10 * time.Second
)

// TransportOption customises a Transport.
type TransportOption func(*Transport)

// WithHeartbeatInterval overrides the application-level ping cadence.
func WithHeartbeatInterval(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.heartbeat = d
		}
	}
}

// WithReconnectDelay overrides the base delay of the reconnect backoff.
func WithReconnectDelay(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.reconnectDelay = d
		}
	}
}

// WithMaxReconnectAttempts overrides how many reconnects are tried per outage.
func WithMaxReconnectAttempts(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.maxReconnects = n
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) TransportOption {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithAfter replaces the timer used between reconnect attempts. Tests use it
// to observe and skip the backoff delays.
func WithAfter(after func(time.Duration) <-chan time.Time) TransportOption {
	return func(t *Transport) {
		if after != nil {
			t.after = after
		}
	}
}

// WithTransportLogger replaces the transport's logger.
func WithTransportLogger(log *zap.Logger) TransportOption {
	return func(t *Transport) {
		if log != nil {
			t.log = log
		}
	}
}

// Transport maintains a WebSocket connection to the notification endpoint,
// dispatches pushed notifications to subscribers, and transparently
// reconnects with exponential backoff when the connection drops.
type Transport struct {
	baseURL *url.URL

	heartbeat      time.Duration
	reconnectDelay time.Duration
	maxReconnects  int
	dialer         *websocket.Dialer
	after          func(time.Duration) <-chan time.Time
	log            *zap.Logger

	mu    sync.Mutex
	token string
	state State
	conn  *websocket.Conn
	gen   uint64

	handlersMu sync.Mutex
	handlers   []handlerEntry
	nextID     int
}

type handlerEntry struct {
	id int
	fn Handler
}

// NewTransport builds a Transport for the given HTTP base URL, e.g.
// "http://localhost:8099". The WebSocket endpoint is derived from it.
func NewTransport(baseURL, token string, opts ...TransportOption) (*Transport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	t := &Transport{
		baseURL:        u,
		token:          token,
		heartbeat:      defaultHeartbeatInterval,
		reconnectDelay: defaultReconnectDelay,
		maxReconnects:  defaultMaxReconnects,
		dialer:         websocket.DefaultDialer,
		after:          time.After,
		log:            logger.WithModule("notify.transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// EndpointURL maps an HTTP base URL to the WebSocket notification endpoint,
// carrying the token as a query parameter.
func EndpointURL(base *url.URL, token string) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/notifications"
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens the WebSocket connection. It is idempotent: when the
// transport is already connected or a reconnect is in flight it returns nil
// without side effects.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	if t.token == "" {
		t.mu.Unlock()
		return ErrNoToken
	}
	t.state = StateConnecting
	token := t.token
	gen := t.gen
	t.mu.Unlock()

	if err := t.dial(ctx, token, gen); err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the connection with a normal closure and suppresses any
// reconnect. Safe to call at any state.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.gen++
	t.mu.Unlock()

	if conn == nil {
		return
	}
	deadline := time.Now().Add(transportWriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

// UpdateToken swaps the auth token. A live connection is recycled so the
// server re-authenticates with the new credential.
func (t *Transport) UpdateToken(token string) {
	t.mu.Lock()
	t.token = token
	connected := t.state == StateConnected
	t.mu.Unlock()

	if !connected {
		return
	}
	t.Disconnect()
	if err := t.Connect(context.Background()); err != nil {
		t.log.Warn("reconnect after token update failed", zap.Error(err))
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether the transport currently has a live connection.
func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// OnNotification registers a handler for pushed notifications and returns an
// unsubscribe function. Unsubscribing twice is a no-op. A panicking handler
// is isolated and does not affect the connection or other handlers.
func (t *Transport) OnNotification(fn Handler) func() {
	t.handlersMu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers = append(t.handlers, handlerEntry{id: id, fn: fn})
	t.handlersMu.Unlock()

	return func() {
		t.handlersMu.Lock()
		defer t.handlersMu.Unlock()
		for i, h := range t.handlers {
			if h.id == id {
				t.handlers = append(t.handlers[:i], t.handlers[i+1:]...)
				return
			}
		}
	}
}

func (t *Transport) dispatch(n Notification) {
	t.handlersMu.Lock()
	entries := make([]handlerEntry, len(t.handlers))
	copy(entries, t.handlers)
	t.handlersMu.Unlock()

	for _, h := range entries {
		t.invoke(h.fn, n)
	}
}

func (t *Transport) invoke(fn Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("notification handler panicked", zap.Any("panic", r))
		}
	}()
	fn(n)
}

// dial opens a connection and commits it only if the transport generation
// still matches expect. A Disconnect issued while the dial was in flight
// advances the generation, in which case the fresh socket is discarded.
func (t *Transport) dial(ctx context.Context, token string, expect uint64) error {
	endpoint := EndpointURL(t.baseURL, token)
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.baseURL.Host, err)
	}

	t.mu.Lock()
	if t.gen != expect {
		t.mu.Unlock()
		_ = conn.Close()
		t.log.Debug("discarding superseded connection", zap.String("host", t.baseURL.Host))
		return nil
	}
	t.conn = conn
	t.state = StateConnected
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	t.log.Debug("connected", zap.String("host", t.baseURL.Host))

	done := make(chan struct{})
	go t.heartbeatLoop(conn, done)
	go t.readLoop(conn, gen, done)
	return nil
}

// heartbeatLoop sends an application-level ping on a fixed cadence so
// intermediaries keep the connection alive. The server answers with a pong
// frame, which the read loop discards.
func (t *Transport) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	ping, _ := json.Marshal(frame{Type: framePing})
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	var closeErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case frameNotification:
			var n Notification
			if err := json.Unmarshal(f.Data, &n); err != nil {
				t.log.Warn("dropping malformed notification payload", zap.Error(err))
				continue
			}
			t.dispatch(n)
		case framePong:
			// Heartbeat reply, nothing to do.
		default:
			t.log.Debug("ignoring unknown frame type", zap.String("type", f.Type))
		}
	}

	t.mu.Lock()
	if t.gen != gen {
		// Disconnect or a newer connection superseded this one.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if websocket.IsCloseError(closeErr, websocket.CloseNormalClosure) {
		t.state = StateDisconnected
		t.mu.Unlock()
		t.log.Debug("connection closed cleanly")
		return
	}
	t.state = StateConnecting
	t.mu.Unlock()

	t.log.Warn("connection lost, scheduling reconnect", zap.Error(closeErr))
	go t.reconnectLoop(gen)
}

// reconnectLoop retries the connection with exponentially doubling delays
// until it succeeds or the attempt budget is exhausted. A successful dial
// resets the budget for the next outage.
func (t *Transport) reconnectLoop(gen uint64) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.reconnectDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = t.reconnectDelay << uint(t.maxReconnects)
	bo.MaxElapsedTime = 0

	for attempt := 1; attempt <= t.maxReconnects; attempt++ {
		<-t.after(bo.NextBackOff())

		t.mu.Lock()
		if t.gen != gen || t.state != StateConnecting {
			t.mu.Unlock()
			return
		}
		token := t.token
		t.mu.Unlock()

		t.log.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", t.maxReconnects))

		err := t.dial(context.Background(), token, gen)
		if err == nil {
			return
		}
		t.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	t.mu.Lock()
	if t.gen == gen && t.state == StateConnecting {
		t.state = StateDisconnected
	}
	t.mu.Unlock()
	t.log.Error("giving up after max reconnect attempts",
		zap.Int("max_attempts", t.maxReconnects))
}
