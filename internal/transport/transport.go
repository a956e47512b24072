// File: internal/transport/transport.go

// Package transport owns a single WebSocket connection to the simulation
// server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/simsync/internal/config"
)

var (
	// ErrNotOpen is returned by Send when no socket is open. Frames are never
	// queued.
	ErrNotOpen = errors.New("transport: connection is not open")
	// ErrAlreadyConnected is returned by Connect while a socket is live.
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// ConnectionState is the readiness of the underlying socket.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers are the callbacks fired for one socket. Every callback runs on the
// socket's read goroutine, so OnOpen always precedes OnMessage and OnClose is
// always last.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int)
}

// Options tune the connection. Zero values fall back to the defaults below.
type Options struct {
	Path            string
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	Heartbeat       bool
	PingPeriod      time.Duration
	PongWait        time.Duration
}

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = (defaultPongWait * 9) / 10
	defaultMaxMessage = 4 << 20
)

// OptionsFromConfig maps the connection and heartbeat config sections.
func OptionsFromConfig(conn config.ConnectionConfig, hb config.HeartbeatConfig) Options {
	return Options{
		Path:            conn.Path,
		DialTimeout:     conn.DialTimeout,
		WriteTimeout:    conn.WriteTimeout,
		MaxMessageBytes: conn.MaxMessageBytes,
		Heartbeat:       hb.Enabled,
		PingPeriod:      hb.PingPeriod,
		PongWait:        hb.PongWait,
	}
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = "/"
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultWriteWait
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteWait
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessage
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	return o
}

// socket binds one gorilla connection to the handlers it was opened with.
type socket struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	h       Handlers
	closing atomic.Bool
	done    chan struct{}
}

func (s *socket) handlers() Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

func (s *socket) detach() {
	s.mu.Lock()
	s.h = Handlers{}
	s.mu.Unlock()
}

// Transport manages at most one live socket at a time.
type Transport struct {
	logger *zap.Logger
	opts   Options
	dialer *websocket.Dialer

	mu       sync.Mutex
	current  *socket
	state    ConnectionState
	handlers Handlers

	writeMu sync.Mutex
}

// New creates an unconnected transport.
func New(logger *zap.Logger, opts Options) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Transport{
		logger: logger.Named("transport"),
		opts:   opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
		state: StateUnknown,
	}
}

// SetHandlers sets the callbacks bound to the next socket opened by Connect.
func (t *Transport) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// Detach unbinds the callbacks from the current socket. Events still produced
// by that socket are discarded.
func (t *Transport) Detach() {
	t.mu.Lock()
	s := t.current
	t.mu.Unlock()
	if s != nil {
		s.detach()
	}
}

// Status reports the readiness of the current socket.
func (t *Transport) Status() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// URL returns the endpoint Connect dials for host and port.
func (t *Transport) URL(host string, port int) string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: t.opts.Path}
	return u.String()
}

// Connect dials host:port. A failed dial fires no callbacks; the error is
// returned to the caller.
func (t *Transport) Connect(ctx context.Context, host string, port int) error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateOpen {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.state = StateConnecting
	t.mu.Unlock()

	endpoint := t.URL(host, port)
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	conn, _, err := t.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	t.mu.Lock()
	s := &socket{conn: conn, h: t.handlers, done: make(chan struct{})}
	t.current = s
	t.state = StateOpen
	t.mu.Unlock()

	t.logger.Debug("WebSocket connected.", zap.String("url", endpoint))

	conn.SetReadLimit(t.opts.MaxMessageBytes)
	if t.opts.Heartbeat {
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		})
		go t.pingLoop(s)
	}
	go t.readLoop(s)
	return nil
}

// readLoop delivers frames until the socket fails, then reports the close.
func (t *Transport) readLoop(s *socket) {
	defer close(s.done)

	if h := s.handlers(); h.OnOpen != nil {
		h.OnOpen()
	}

	code := websocket.CloseAbnormalClosure
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			isClose := errors.As(err, &ce)
			switch {
			case isClose:
				code = ce.Code
			case s.closing.Load():
				code = websocket.CloseNormalClosure
			}
			unexpected := !isClose || websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if unexpected && !s.closing.Load() {
				t.logger.Warn("WebSocket read error", zap.Error(err))
				if h := s.handlers(); h.OnError != nil {
					h.OnError(err)
				}
			}
			break
		}
		if h := s.handlers(); h.OnMessage != nil {
			h.OnMessage(data)
		}
	}

	_ = s.conn.Close()
	t.mu.Lock()
	if t.current == s {
		t.state = StateClosed
	}
	t.mu.Unlock()

	t.logger.Debug("WebSocket closed.", zap.Int("code", code))
	if h := s.handlers(); h.OnClose != nil {
		h.OnClose(code)
	}
}

func (t *Transport) pingLoop(s *socket) {
	ticker := time.NewTicker(t.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Send writes {"event": event, "data": data} as one text frame.
func (t *Transport) Send(event string, data any) error {
	t.mu.Lock()
	s, state := t.current, t.state
	t.mu.Unlock()
	if s == nil || state != StateOpen {
		return ErrNotOpen
	}

	payload, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts the current socket down. Calling it again, or with no socket, is
// a no-op. It does not wait for the read goroutine, so it is safe to call from
// a handler.
func (t *Transport) Close() error {
	t.mu.Lock()
	s := t.current
	if s == nil || t.state == StateClosed || t.state == StateClosing {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosing
	t.mu.Unlock()

	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.opts.WriteTimeout))
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}
