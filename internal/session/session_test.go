// internal/session/session_test.go
package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/simsync/internal/config"
	"github.com/xkilldash9x/simsync/internal/history"
	"github.com/xkilldash9x/simsync/internal/reconnect"
	"github.com/xkilldash9x/simsync/internal/state"
	"github.com/xkilldash9x/simsync/internal/transport"
)

// simServer stands in for the simulation: it records inbound frames and
// pushes whatever the test scripts.
type simServer struct {
	srv      *httptest.Server
	host     string
	port     int
	inbound  chan map[string]any
	mu       sync.Mutex
	conn     *websocket.Conn
	onAccept func(conn *websocket.Conn)
}

func newSimServer(t *testing.T, onAccept func(conn *websocket.Conn)) *simServer {
	t.Helper()
	s := &simServer{inbound: make(chan map[string]any, 32), onAccept: onAccept}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		if s.onAccept != nil {
			s.onAccept(conn)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				select {
				case s.inbound <- frame:
				default:
				}
			}
		}
	}))
	t.Cleanup(s.srv.Close)

	u, err := url.Parse(s.srv.URL)
	require.NoError(t, err)
	s.host = u.Hostname()
	s.port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return s
}

// dropCurrent severs the most recent connection without a close frame.
func (s *simServer) dropCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *simServer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-s.inbound:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("server received no frame")
	}
	return nil
}

// manualTimers records retries without ever firing them.
type manualTimers struct {
	mu     sync.Mutex
	delays []time.Duration
}

type inertTimer struct{}

func (inertTimer) Stop() bool { return true }

func (m *manualTimers) afterFunc(d time.Duration, _ func()) reconnect.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	return inertTimer{}
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delays)
}

func testConfig(host string, port int) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Connection.Host = host
	cfg.Connection.Port = port
	cfg.Connection.DialTimeout = time.Second
	cfg.Heartbeat.Enabled = false
	cfg.History.Path = ""
	return cfg
}

func send(conn *websocket.Conn, frame string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestSession_RegistersOnOpen(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	srv := newSimServer(t, nil)
	s, err := New(testConfig(srv.host, srv.port), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.NoError(t, s.WaitOpen(context.Background()))

	register := srv.next(t)
	assert.Equal(t, "data", register["event"])
	data := register["data"].(map[string]any)
	assert.Equal(t, "register_client", data["header"])
	assert.Equal(t, "GUI", data["source"])
	assert.Equal(t, map[string]any{"type": "gui", "client_id": s.ClientID()}, data["content"])

	kvRequest := srv.next(t)["data"].(map[string]any)
	assert.Equal(t, "server", kvRequest["header"])
	assert.Equal(t, "kv_storage", kvRequest["content"])

	eventually(t, func() bool {
		v, _ := s.Snapshot().KV(ConnectionKey)
		return v == "open"
	}, "connection state mirrored in KV")
}

func TestSession_CloseResetsMirrorButKeepsLogsAndKV(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	srv := newSimServer(t, func(conn *websocket.Conn) {
		send(conn, `{"type":"environment","content":{"step":4,"episode":2,"status":"running"}}`)
		send(conn, `{"type":"agents","content":{"Alice":{"x_pos":2,"y_pos":3}}}`)
		send(conn, `{"type":"artifacts","content":{"bank":{"rate":0.1}}}`)
		send(conn, `{"type":"kv_storage","content":{"theme":"dark"}}`)
		send(conn, `{"type":"logs","content":"market opened"}`)
	})
	timers := &manualTimers{}
	s, err := New(testConfig(srv.host, srv.port), zaptest.NewLogger(t), WithAfterFunc(timers.afterFunc))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	eventually(t, func() bool {
		snap := s.Snapshot()
		_, theme := snap.KV("theme")
		return snap.AgentCount() == 1 && snap.ArtifactCount() == 1 && theme && snap.LogCount() == 1
	}, "initial state mirrored")
	require.Equal(t, 4, s.Snapshot().Environment().CurrentStep)
	logsBefore := s.Snapshot().Logs()

	srv.dropCurrent()

	eventually(t, func() bool {
		v, _ := s.Snapshot().KV(ConnectionKey)
		return v == "closed"
	}, "close observed")

	snap := s.Snapshot()
	env := snap.Environment()
	assert.Equal(t, 0, env.CurrentStep)
	assert.Equal(t, 0, env.CurrentEpisode)
	assert.Equal(t, "stopped", env.Status)
	assert.Zero(t, snap.AgentCount())
	assert.Zero(t, snap.ArtifactCount())
	theme, _ := snap.KV("theme")
	assert.Equal(t, "dark", theme)
	assert.Equal(t, logsBefore, snap.Logs())

	assert.Equal(t, 1, timers.count(), "one retry is scheduled")
	assert.Equal(t, reconnect.PhaseClosed, s.Status().Phase)
}

func TestSession_SendActionAndThrottle(t *testing.T) {
	srv := newSimServer(t, nil)
	cfg := testConfig(srv.host, srv.port)
	cfg.Session.SendRate = 0.001
	cfg.Session.SendBurst = 1

	s, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.ErrorIs(t, s.SendAction(ActionPlay), transport.ErrNotOpen, "sends before open fail fast")

	// The failed send above spent the only token; start from a fresh session.
	s, err = New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()
	require.NoError(t, s.WaitOpen(context.Background()))
	srv.next(t) // register_client
	srv.next(t) // kv_storage request

	require.NoError(t, s.SendAction(ActionPause))
	frame := srv.next(t)["data"].(map[string]any)
	assert.Equal(t, map[string]any{"header": "action", "content": "pause", "source": "GUI"}, frame)

	assert.ErrorIs(t, s.SendAction(ActionNext), ErrSendThrottled)
}

func TestSession_ExhaustionIsReported(t *testing.T) {
	srv := newSimServer(t, nil)
	host, port := srv.host, srv.port
	srv.srv.Close()

	cfg := testConfig(host, port)
	cfg.Reconnect.MaxAttempts = 0
	s, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.ErrorIs(t, s.WaitOpen(context.Background()), reconnect.ErrMaxReconnectAttempts)
	eventually(t, func() bool {
		v, _ := s.Snapshot().KV(ConnectionKey)
		return v == "exhausted"
	}, "exhaustion mirrored in KV")

	logs := s.Snapshot().Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, state.LevelWarning, logs[0].Level)

	st := s.Status()
	assert.Equal(t, reconnect.PhaseExhausted, st.Phase)
	assert.ErrorIs(t, st.Err, reconnect.ErrMaxReconnectAttempts)
	assert.ErrorIs(t, s.HandleReconnect(context.Background()), reconnect.ErrMaxReconnectAttempts)
}

func TestSession_ManualReconnect(t *testing.T) {
	srv := newSimServer(t, nil)
	timers := &manualTimers{}
	s, err := New(testConfig(srv.host, srv.port), zaptest.NewLogger(t), WithAfterFunc(timers.afterFunc))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()
	require.NoError(t, s.WaitOpen(context.Background()))

	srv.dropCurrent()
	eventually(t, func() bool { return s.Status().Phase == reconnect.PhaseClosed }, "drop observed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.HandleReconnect(ctx))
	st := s.Status()
	assert.Equal(t, reconnect.PhaseOpen, st.Phase)
	assert.Equal(t, 0, st.Attempts)
}

func TestSession_ManualReconnectWhileOpenResetsMirror(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	var accepts atomic.Int32
	srv := newSimServer(t, func(conn *websocket.Conn) {
		if accepts.Add(1) == 1 {
			send(conn, `{"type":"agents","content":{"Alice":{"x_pos":1,"y_pos":1}}}`)
		}
	})
	timers := &manualTimers{}
	s, err := New(testConfig(srv.host, srv.port), zaptest.NewLogger(t), WithAfterFunc(timers.afterFunc))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	eventually(t, func() bool { return s.Snapshot().AgentCount() == 1 }, "first connection mirrored")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.HandleReconnect(ctx))
	require.NoError(t, s.WaitOpen(ctx))

	eventually(t, func() bool { return accepts.Load() == 2 }, "second connection accepted")
	snap := s.Snapshot()
	assert.Zero(t, snap.AgentCount(), "agents from the superseded connection are reset")
	v, _ := snap.KV(ConnectionKey)
	assert.Equal(t, "open", v)
	assert.Zero(t, timers.count(), "a manual reconnect schedules no retry")
}

func TestSession_LocalLogsAndHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := history.Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, h.Append(state.LogEntry{Timestamp: time.Now(), Level: state.LevelError, Message: "previous run"}))

	srv := newSimServer(t, nil)
	s, err := New(testConfig(srv.host, srv.port), zaptest.NewLogger(t), WithHistory(h))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Snapshot().LogCount(), "history seeds the log sequence")
	assert.ErrorIs(t, s.AddLog(state.LevelInfo, "too early"), ErrClosed)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.AddLog(state.LevelInfo, "local note"))
	assert.Equal(t, 2, s.Snapshot().LogCount())

	// Load on the session's writer flushes pending writes first.
	persisted, err := s.history.Load(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "local note", persisted[1].Message)

	require.NoError(t, s.ClearLogs())
	assert.Zero(t, s.Snapshot().LogCount())
	require.NoError(t, s.Close())

	reopened, err := history.Open(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()
	persisted, err = reopened.Load(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestSession_SubscribersSeeLatestSnapshot(t *testing.T) {
	srv := newSimServer(t, func(conn *websocket.Conn) {
		for i := 1; i <= 20; i++ {
			send(conn, `{"type":"environment","content":{"step":`+strconv.Itoa(i)+`}}`)
		}
	})
	s, err := New(testConfig(srv.host, srv.port), zaptest.NewLogger(t))
	require.NoError(t, err)

	updates, unsubscribe := s.Subscribe()
	first := <-updates
	assert.Equal(t, uint64(0), first.Version(), "subscribers start with the current snapshot")

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-updates:
			if snap.Environment().CurrentStep == 20 {
				unsubscribe()
				unsubscribe()
				return
			}
		case <-deadline:
			t.Fatalf("never saw the final step; last step %d", s.Snapshot().Environment().CurrentStep)
		}
	}
}

func TestSession_CloseIsFinal(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	srv := newSimServer(t, nil)
	s, err := New(testConfig(srv.host, srv.port), zaptest.NewLogger(t))
	require.NoError(t, err)
	updates, _ := s.Subscribe()
	<-updates

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.WaitOpen(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	deadline := time.After(time.Second)
	for closed := false; !closed; {
		select {
		case _, ok := <-updates:
			closed = !ok
		case <-deadline:
			t.Fatal("subscriber channel was not closed on teardown")
		}
	}
	late, unsubscribe := s.Subscribe()
	final, ok := <-late
	require.True(t, ok)
	assert.NotNil(t, final, "a late subscriber still gets the final snapshot")
	_, ok = <-late
	assert.False(t, ok, "a late subscriber's channel is already closed")
	unsubscribe()

	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.AddLog(state.LevelInfo, "late"), ErrClosed)
	assert.ErrorIs(t, s.HandleReconnect(context.Background()), ErrClosed)
}

func TestNew_RejectsNilConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
