// File: internal/session/session.go

// Package session wires the transport, reconnect controller, router and store
// into one owned unit with explicit start and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/simsync/internal/config"
	"github.com/xkilldash9x/simsync/internal/history"
	"github.com/xkilldash9x/simsync/internal/reconnect"
	"github.com/xkilldash9x/simsync/internal/router"
	"github.com/xkilldash9x/simsync/internal/state"
	"github.com/xkilldash9x/simsync/internal/transport"
)

var (
	// ErrSendThrottled is returned when outbound sends exceed the configured
	// rate. The frame is not queued.
	ErrSendThrottled = errors.New("session: send rate exceeded")
	// ErrClosed is returned by operations on a session that is not running.
	ErrClosed = errors.New("session: not running")
)

// ConnectionKey is the KV entry mirroring the connection phase.
const ConnectionKey = "server_connection"

// Actions relayed verbatim to the simulation.
const (
	ActionPlay  = "play"
	ActionPause = "pause"
	ActionNext  = "next"
	ActionBack  = "back"
)

type eventKind int

const (
	evOpen eventKind = iota
	evClose
	evError
	evMessage
	evExhausted
	evCall
)

type event struct {
	kind eventKind
	code int
	err  error
	data []byte
	call func()
	done chan struct{}
}

// Session is the single owner of one server connection and its mirror.
type Session struct {
	cfg      config.Config
	logger   *zap.Logger
	clientID string

	store      *state.Store
	router     *router.Router
	transport  *transport.Transport
	controller *reconnect.Controller
	history    history.Log
	limiter    *rate.Limiter

	events chan event

	subMu      sync.Mutex
	nextSub    uint64
	subs       map[uint64]chan *state.Snapshot
	subsClosed bool

	running   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	loopCtx   context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// Option configures a Session.
type Option func(*options)

type options struct {
	history   history.Log
	afterFunc reconnect.AfterFunc
	storeOpts []state.Option
}

// WithHistory persists logs to h and seeds the store from it. The session
// closes h on Close.
func WithHistory(h history.Log) Option {
	return func(o *options) { o.history = h }
}

// WithAfterFunc replaces the reconnect timer source.
func WithAfterFunc(af reconnect.AfterFunc) Option {
	return func(o *options) { o.afterFunc = af }
}

// WithStoreOptions passes extra options to the state store.
func WithStoreOptions(opts ...state.Option) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}

// New builds an unstarted session.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		cfg:      *cfg,
		logger:   logger.Named("session"),
		clientID: uuid.New().String(),
		subs:     make(map[uint64]chan *state.Snapshot),
	}

	storeOpts := append([]state.Option{}, o.storeOpts...)
	if o.history != nil {
		seed, err := o.history.Load(context.Background(), cfg.History.LoadLimit)
		if err != nil {
			return nil, fmt.Errorf("load log history: %w", err)
		}
		// Writes go through their own goroutine so a slow database never
		// stalls the loop.
		s.history = history.NewWriter(o.history, logger, cfg.History.WriteBuffer, cfg.History.BatchSize)
		storeOpts = append(storeOpts, state.WithLogHistory(seed), state.WithLogSink(s.history))
	}
	s.store = state.NewStore(logger, storeOpts...)
	s.router = router.New(logger, s.store)

	limit := rate.Inf
	if cfg.Session.SendRate > 0 {
		limit = rate.Limit(cfg.Session.SendRate)
	}
	burst := cfg.Session.SendBurst
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)

	buffer := cfg.Session.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	s.events = make(chan event, buffer)

	s.transport = transport.New(logger, transport.OptionsFromConfig(cfg.Connection, cfg.Heartbeat))
	ctrlOpts := []reconnect.Option{reconnect.WithCallbacks(reconnect.Callbacks{
		OnOpen:      func() { s.enqueue(event{kind: evOpen}) },
		OnClose:     func(code int) { s.enqueue(event{kind: evClose, code: code}) },
		OnError:     func(err error) { s.enqueue(event{kind: evError, err: err}) },
		OnMessage:   func(data []byte) { s.enqueue(event{kind: evMessage, data: data}) },
		OnExhausted: func(err error) { s.enqueue(event{kind: evExhausted, err: err}) },
	})}
	if o.afterFunc != nil {
		ctrlOpts = append(ctrlOpts, reconnect.WithAfterFunc(o.afterFunc))
	}
	s.controller = reconnect.New(logger, s.transport, cfg.Connection.Host, cfg.Connection.Port,
		reconnect.PolicyFromConfig(cfg.Reconnect), ctrlOpts...)
	return s, nil
}

// Start launches the event loop and makes the first connection attempt.
func (s *Session) Start(ctx context.Context) error {
	err := ErrClosed
	s.startOnce.Do(func() {
		s.loopCtx, s.cancel = context.WithCancel(ctx)
		var gctx context.Context
		s.group, gctx = errgroup.WithContext(s.loopCtx)
		s.running.Store(true)
		s.group.Go(func() error { return s.run(gctx) })

		s.logger.Info("Session starting.",
			zap.String("client_id", s.clientID),
			zap.String("url", s.transport.URL(s.cfg.Connection.Host, s.cfg.Connection.Port)))
		err = s.controller.Start(gctx)
	})
	return err
}

// Close stops reconnecting, closes the socket, drains the loop and releases
// the history store.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// A session cannot be started once closed.
		s.startOnce.Do(func() {})
		s.running.Store(false)
		s.controller.Stop()
		if s.cancel != nil {
			s.cancel()
			if gerr := s.group.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
				err = gerr
			}
		}

		s.subMu.Lock()
		s.subsClosed = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.subMu.Unlock()

		if s.history != nil {
			if herr := s.history.Close(); herr != nil {
				err = errors.Join(err, fmt.Errorf("close history: %w", herr))
			}
		}
		s.logger.Info("Session closed.")
	})
	return err
}

// ClientID is the identifier sent when registering with the server.
func (s *Session) ClientID() string { return s.clientID }

// Snapshot returns the latest published state.
func (s *Session) Snapshot() *state.Snapshot { return s.store.Snapshot() }

// Status reports the reconnect phase and transport readiness.
func (s *Session) Status() reconnect.Status { return s.controller.Status() }

// Stats returns the router's frame counters.
func (s *Session) Stats() router.Stats { return s.router.Stats() }

// Subscribe returns a channel that always holds the newest snapshot. Slow
// readers skip intermediate snapshots. The returned func unsubscribes. After
// Close the channel holds the final snapshot and is already closed.
func (s *Session) Subscribe() (<-chan *state.Snapshot, func()) {
	ch := make(chan *state.Snapshot, 1)
	ch <- s.store.Snapshot()

	s.subMu.Lock()
	if s.subsClosed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

// SendData sends content under category. It never queues: a closed socket
// yields transport.ErrNotOpen and a spent rate budget ErrSendThrottled.
func (s *Session) SendData(category string, content any) error {
	if !s.limiter.Allow() {
		return ErrSendThrottled
	}
	return s.send(category, content)
}

// SendAction relays a control action. Actions are not validated locally.
func (s *Session) SendAction(action string) error {
	return s.SendData("action", action)
}

func (s *Session) send(category string, content any) error {
	frame := map[string]any{"header": category, "content": content, "source": s.cfg.Session.Source}
	if err := s.transport.Send("data", frame); err != nil {
		return err
	}
	s.logger.Debug("Sent frame.", zap.String("header", category))
	return nil
}

// HandleReconnect resets the retry budget and reconnects now. It returns once
// the connection opens or reconnecting is given up.
func (s *Session) HandleReconnect(ctx context.Context) error {
	if !s.running.Load() {
		return ErrClosed
	}
	return s.controller.Reconnect(ctx)
}

// WaitOpen blocks until the connection is open and the client has registered,
// or reconnecting is given up.
func (s *Session) WaitOpen(ctx context.Context) error {
	if !s.running.Load() {
		return ErrClosed
	}
	if err := s.controller.WaitOpen(ctx); err != nil {
		return err
	}
	// The open event is queued before waiters are released; draining up to
	// it means registration has been sent.
	return s.do(func() {})
}

// AddLog appends a local log entry.
func (s *Session) AddLog(level state.LogLevel, message string) error {
	return s.do(func() { s.store.AddLog(level, message) })
}

// ClearLogs empties the log sequence and persisted history.
func (s *Session) ClearLogs() error {
	return s.do(s.store.ClearLogs)
}

// ClearKV empties the key-value store.
func (s *Session) ClearKV() error {
	return s.do(s.store.ClearKV)
}

// do runs fn on the loop goroutine and waits for it.
func (s *Session) do(fn func()) error {
	if !s.running.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case s.events <- event{kind: evCall, call: fn, done: done}:
	case <-s.loopCtx.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.loopCtx.Done():
		return ErrClosed
	}
}

// enqueue hands a transport event to the loop. It is called from socket
// goroutines and gives up once the session is shutting down.
func (s *Session) enqueue(ev event) {
	ctx := s.loopCtx
	if ctx == nil {
		return
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// run is the single writer: every store mutation happens here, in delivery
// order.
func (s *Session) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.handle(ev)
			s.publish()
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evOpen:
		s.store.SetKV(map[string]any{ConnectionKey: "open"})
		if err := s.send("register_client", map[string]any{"type": "gui", "client_id": s.clientID}); err != nil {
			s.logger.Warn("Failed to register client", zap.Error(err))
		}
		if err := s.send("server", "kv_storage"); err != nil {
			s.logger.Warn("Failed to request key-value storage", zap.Error(err))
		}
	case evClose:
		s.store.Clear()
		s.store.SetKV(map[string]any{ConnectionKey: "closed"})
		s.logger.Info("Connection closed, state reset.", zap.Int("code", ev.code))
	case evError:
		s.logger.Warn("Connection error", zap.Error(ev.err))
	case evMessage:
		// Errors are logged by the router.
		_ = s.router.HandleFrame(ev.data)
	case evExhausted:
		s.store.SetKV(map[string]any{ConnectionKey: "exhausted"})
		s.store.AddLog(state.LevelWarning, fmt.Sprintf(
			"Could not reach the server after %d attempts. Reconnect manually to try again.", s.cfg.Reconnect.MaxAttempts))
		s.logger.Error("Reconnecting given up", zap.Error(ev.err))
	case evCall:
		ev.call()
		close(ev.done)
	}
}

// publish offers the newest snapshot to every subscriber without blocking.
func (s *Session) publish() {
	snap := s.store.Snapshot()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Replace the stale snapshot the reader has not taken yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
