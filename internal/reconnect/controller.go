// File: internal/reconnect/controller.go

// Package reconnect keeps a transport connected: it retries dropped or failed
// connections on a bounded backoff schedule and supports manual reconnects.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/simsync/internal/config"
	"github.com/xkilldash9x/simsync/internal/transport"
)

var (
	// ErrMaxReconnectAttempts is reported once the retry budget is spent.
	// Automatic retries stop until a manual Reconnect.
	ErrMaxReconnectAttempts = errors.New("reconnect: maximum reconnect attempts reached")
	// ErrStopped is returned by operations on a stopped controller.
	ErrStopped = errors.New("reconnect: controller stopped")
)

// Policy is the retry schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
}

// DefaultPolicy retries five times, doubling from one second up to thirty.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Exponential: true}
}

// PolicyFromConfig maps the reconnect config section.
func PolicyFromConfig(cfg config.ReconnectConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Exponential: cfg.Exponential,
	}
}

// Delay returns the wait before retry n, counting from zero.
func (p Policy) Delay(n int) time.Duration {
	if !p.Exponential || n <= 0 {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Phase is the controller's view of the connection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosed
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "idle"
	}
}

// Status is a point in time view of the controller.
type Status struct {
	Phase      Phase
	Attempts   int
	Connection transport.ConnectionState
	Err        error
}

// Conn is the part of the transport the controller drives.
type Conn interface {
	Connect(ctx context.Context, host string, port int) error
	Close() error
	Detach()
	SetHandlers(h transport.Handlers)
	Status() transport.ConnectionState
}

// Callbacks receive events from the current socket only.
type Callbacks struct {
	OnOpen      func()
	OnClose     func(code int)
	OnError     func(err error)
	OnMessage   func(data []byte)
	OnExhausted func(err error)
}

// Timer is the subset of *time.Timer the controller uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Option configures a Controller.
type Option func(*Controller)

// WithAfterFunc replaces the timer source.
func WithAfterFunc(af AfterFunc) Option {
	return func(c *Controller) { c.afterFunc = af }
}

// WithCallbacks sets the event callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Controller) { c.cb = cb }
}

// Controller is the only caller of the Conn lifecycle methods.
type Controller struct {
	logger    *zap.Logger
	conn      Conn
	host      string
	port      int
	policy    Policy
	cb        Callbacks
	afterFunc AfterFunc

	// attemptMu serializes detach, close and dial.
	attemptMu sync.Mutex

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	stopped    bool
	phase      Phase
	attempts   int
	generation uint64
	timer      Timer
	timerToken uint64
	// announced is set once OnOpen has been delivered for the current
	// generation and cleared when its close is delivered.
	announced bool
	lastErr   error
	waiters    map[chan error]struct{}
}

// New creates an idle controller for host:port.
func New(logger *zap.Logger, conn Conn, host string, port int, policy Policy, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		logger: logger.Named("reconnect"),
		conn:   conn,
		host:   host,
		port:   port,
		policy: policy,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		waiters: make(map[chan error]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start makes the first connection attempt. Dial failures are not returned;
// they feed the retry schedule like any other close.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.attempt()
	return nil
}

// Reconnect cancels any pending retry, resets the attempt budget and connects
// immediately. It returns nil once the connection opens, or
// ErrMaxReconnectAttempts if the budget runs out first.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if !c.started {
		c.started = true
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.stopTimerLocked()
	c.attempts = 0
	c.lastErr = nil
	if c.phase == PhaseExhausted {
		c.phase = PhaseClosed
	}
	ch := c.addWaiterLocked()
	c.mu.Unlock()

	c.logger.Info("Manual reconnect requested.")
	c.attempt()
	return c.wait(ctx, ch)
}

// WaitOpen blocks until the connection is open, the retry budget is spent or
// ctx ends.
func (c *Controller) WaitOpen(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrStopped
	case c.phase == PhaseOpen:
		c.mu.Unlock()
		return nil
	case c.phase == PhaseExhausted:
		c.mu.Unlock()
		return ErrMaxReconnectAttempts
	}
	ch := c.addWaiterLocked()
	c.mu.Unlock()
	return c.wait(ctx, ch)
}

// Stop cancels any pending retry and closes the connection. The controller
// cannot be restarted.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
	}
	c.phase = PhaseClosed
	c.notifyLocked(ErrStopped)
	c.mu.Unlock()

	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()
	c.conn.Detach()
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("Close on stop failed", zap.Error(err))
	}
}

// Status reports the phase, the attempts used and the transport readiness.
func (c *Controller) Status() Status {
	conn := c.conn.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Phase: c.phase, Attempts: c.attempts, Connection: conn, Err: c.lastErr}
	if c.phase == PhaseExhausted {
		st.Err = ErrMaxReconnectAttempts
	}
	return st
}

// Policy returns the retry schedule in use.
func (c *Controller) Policy() Policy { return c.policy }

func (c *Controller) attempt() {
	c.attemptMu.Lock()
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.attemptMu.Unlock()
		return
	}
	superseded := c.announced
	c.announced = false
	c.generation++
	gen := c.generation
	c.phase = PhaseConnecting
	ctx := c.ctx
	c.mu.Unlock()

	// The previous socket must never reach the callbacks again, so its close
	// is reported here on its behalf.
	c.conn.Detach()
	_ = c.conn.Close()
	if superseded && c.cb.OnClose != nil {
		c.cb.OnClose(websocketNormalClosure)
	}
	c.conn.SetHandlers(c.handlersFor(gen))

	c.logger.Debug("Connecting.", zap.String("host", c.host), zap.Int("port", c.port))
	err := c.conn.Connect(ctx, c.host, c.port)
	c.attemptMu.Unlock()

	if err != nil {
		c.logger.Warn("Connection attempt failed", zap.Error(err))
		if c.isCurrent(gen) && c.cb.OnError != nil {
			c.cb.OnError(err)
		}
		c.dropped(gen, websocketAbnormalClosure, err)
	}
}

// Close codes reported for sockets the controller ends itself. 1006 is what
// a browser reports when a socket never opened.
const (
	websocketNormalClosure   = 1000
	websocketAbnormalClosure = 1006
)

func (c *Controller) handlersFor(gen uint64) transport.Handlers {
	return transport.Handlers{
		OnOpen: func() { c.opened(gen) },
		OnMessage: func(data []byte) {
			if c.isCurrent(gen) && c.cb.OnMessage != nil {
				c.cb.OnMessage(data)
			}
		},
		OnError: func(err error) {
			if !c.isCurrent(gen) {
				return
			}
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			if c.cb.OnError != nil {
				c.cb.OnError(err)
			}
		},
		OnClose: func(code int) { c.dropped(gen, code, nil) },
	}
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped && c.generation == gen
}

func (c *Controller) opened(gen uint64) {
	c.mu.Lock()
	if c.stopped || c.generation != gen {
		c.mu.Unlock()
		c.logger.Debug("Dropping open from a superseded socket.")
		return
	}
	c.announced = true
	c.mu.Unlock()
	c.logger.Info("Connected.", zap.String("host", c.host), zap.Int("port", c.port))
	// The phase flips and waiters are released only after OnOpen has run.
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.generation != gen {
		return
	}
	c.phase = PhaseOpen
	c.attempts = 0
	c.lastErr = nil
	c.notifyLocked(nil)
}

func (c *Controller) dropped(gen uint64, code int, cause error) {
	c.mu.Lock()
	if c.stopped || c.generation != gen {
		c.mu.Unlock()
		return
	}
	if cause != nil {
		c.lastErr = cause
	}
	c.announced = false

	if c.attempts >= c.policy.MaxAttempts {
		c.phase = PhaseExhausted
		c.stopTimerLocked()
		c.notifyLocked(ErrMaxReconnectAttempts)
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Error("Giving up on reconnecting", zap.Int("attempts", attempts), zap.Error(ErrMaxReconnectAttempts))
		if c.cb.OnClose != nil {
			c.cb.OnClose(code)
		}
		if c.cb.OnExhausted != nil {
			c.cb.OnExhausted(ErrMaxReconnectAttempts)
		}
		return
	}

	c.phase = PhaseClosed
	delay := c.policy.Delay(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.scheduleLocked(delay)
	c.mu.Unlock()

	c.logger.Info("Connection closed, retry scheduled",
		zap.Int("code", code), zap.Int("attempt", attempt), zap.Duration("delay", delay))
	if c.cb.OnClose != nil {
		c.cb.OnClose(code)
	}
}

// scheduleLocked replaces any pending timer with one firing after d.
func (c *Controller) scheduleLocked(d time.Duration) {
	c.stopTimerLocked()
	token := c.timerToken
	c.timer = c.afterFunc(d, func() {
		c.mu.Lock()
		if c.stopped || c.timerToken != token {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		c.attempt()
	})
}

func (c *Controller) stopTimerLocked() {
	c.timerToken++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) addWaiterLocked() chan error {
	ch := make(chan error, 1)
	c.waiters[ch] = struct{}{}
	return ch
}

func (c *Controller) notifyLocked(err error) {
	for ch := range c.waiters {
		ch <- err
		delete(c.waiters, ch)
	}
}

func (c *Controller) wait(ctx context.Context, ch chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, ch)
		c.mu.Unlock()
		return ctx.Err()
	}
}
