// internal/metrics/metrics_test.go
package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/simsync/internal/reconnect"
	"github.com/xkilldash9x/simsync/internal/router"
	"github.com/xkilldash9x/simsync/internal/state"
)

type fakeSource struct {
	stats  router.Stats
	status reconnect.Status
	store  *state.Store
}

func (f *fakeSource) Stats() router.Stats { return f.stats }
func (f *fakeSource) Status() reconnect.Status { return f.status }
func (f *fakeSource) Snapshot() *state.Snapshot { return f.store.Snapshot() }

func newFakeSource() *fakeSource {
	store := state.NewStore(zap.NewNop())
	store.MergeAgents(map[string]map[string]any{"Alice": {"x": 1}, "Bob": {"x": 2}})
	store.AddLog(state.LevelInfo, "hello")
	return &fakeSource{
		stats:  router.Stats{Routed: 7, Dropped: 1, Unhandled: 2},
		status: reconnect.Status{Phase: reconnect.PhaseClosed, Attempts: 3},
		store:  store,
	}
}

func TestCollector_Frames(t *testing.T) {
	expected := `
# HELP simsync_router_frames_total Inbound frames by routing outcome.
# TYPE simsync_router_frames_total counter
simsync_router_frames_total{outcome="dropped"} 1
simsync_router_frames_total{outcome="routed"} 7
simsync_router_frames_total{outcome="unhandled"} 2
`
	err := testutil.CollectAndCompare(NewCollector(newFakeSource()), strings.NewReader(expected), "simsync_router_frames_total")
	assert.NoError(t, err)
}

func TestCollector_ReconnectPhase(t *testing.T) {
	expected := `
# HELP simsync_reconnect_attempts Reconnect attempts used since the last successful open.
# TYPE simsync_reconnect_attempts gauge
simsync_reconnect_attempts 3
# HELP simsync_reconnect_phase 1 for the current connection phase, 0 otherwise.
# TYPE simsync_reconnect_phase gauge
simsync_reconnect_phase{phase="closed"} 1
simsync_reconnect_phase{phase="connecting"} 0
simsync_reconnect_phase{phase="exhausted"} 0
simsync_reconnect_phase{phase="idle"} 0
simsync_reconnect_phase{phase="open"} 0
`
	err := testutil.CollectAndCompare(NewCollector(newFakeSource()), strings.NewReader(expected),
		"simsync_reconnect_attempts", "simsync_reconnect_phase")
	assert.NoError(t, err)
}

func TestCollector_StateGauges(t *testing.T) {
	src := newFakeSource()
	expected := `
# HELP simsync_state_agents Agents in the mirror.
# TYPE simsync_state_agents gauge
simsync_state_agents 2
# HELP simsync_state_artifacts Artifacts in the mirror.
# TYPE simsync_state_artifacts gauge
simsync_state_artifacts 0
# HELP simsync_state_log_entries Entries in the log sequence.
# TYPE simsync_state_log_entries gauge
simsync_state_log_entries 1
`
	err := testutil.CollectAndCompare(NewCollector(src), strings.NewReader(expected),
		"simsync_state_agents", "simsync_state_artifacts", "simsync_state_log_entries")
	assert.NoError(t, err)
	assert.Equal(t, 9, testutil.CollectAndCount(NewCollector(src),
		"simsync_router_frames_total", "simsync_reconnect_phase", "simsync_state_agents"))
}

func TestHandler_ServesTextFormat(t *testing.T) {
	h, err := Handler(newFakeSource())
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `simsync_router_frames_total{outcome="routed"} 7`)
	assert.Contains(t, string(body), "simsync_state_snapshot_version")
}

func TestServe_StopsWithContext(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", newFakeSource(), zaptest.NewLogger(t)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
