// File: internal/metrics/metrics.go

// Package metrics exposes session health to Prometheus. Values are read from
// the session at scrape time; nothing is pushed from the hot path.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/simsync/internal/reconnect"
	"github.com/xkilldash9x/simsync/internal/router"
	"github.com/xkilldash9x/simsync/internal/state"
)

const namespace = "simsync"

// Source is the read side of a session.
type Source interface {
	Stats() router.Stats
	Status() reconnect.Status
	Snapshot() *state.Snapshot
}

var phases = []reconnect.Phase{
	reconnect.PhaseIdle,
	reconnect.PhaseConnecting,
	reconnect.PhaseOpen,
	reconnect.PhaseClosed,
	reconnect.PhaseExhausted,
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source

	frames      *prometheus.Desc
	attempts    *prometheus.Desc
	phase       *prometheus.Desc
	agents      *prometheus.Desc
	artifacts   *prometheus.Desc
	logEntries  *prometheus.Desc
	snapVersion *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector reading from src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		frames: prometheus.NewDesc(prometheus.BuildFQName(namespace, "router", "frames_total"),
			"Inbound frames by routing outcome.", []string{"outcome"}, nil),
		attempts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "reconnect", "attempts"),
			"Reconnect attempts used since the last successful open.", nil, nil),
		phase: prometheus.NewDesc(prometheus.BuildFQName(namespace, "reconnect", "phase"),
			"1 for the current connection phase, 0 otherwise.", []string{"phase"}, nil),
		agents: prometheus.NewDesc(prometheus.BuildFQName(namespace, "state", "agents"),
			"Agents in the mirror.", nil, nil),
		artifacts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "state", "artifacts"),
			"Artifacts in the mirror.", nil, nil),
		logEntries: prometheus.NewDesc(prometheus.BuildFQName(namespace, "state", "log_entries"),
			"Entries in the log sequence.", nil, nil),
		snapVersion: prometheus.NewDesc(prometheus.BuildFQName(namespace, "state", "snapshot_version"),
			"Version of the latest published snapshot.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.frames
	ch <- c.attempts
	ch <- c.phase
	ch <- c.agents
	ch <- c.artifacts
	ch <- c.logEntries
	ch <- c.snapVersion
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(stats.Routed), "routed")
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(stats.Dropped), "dropped")
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(stats.Unhandled), "unhandled")

	st := c.src.Status()
	ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.GaugeValue, float64(st.Attempts))
	for _, p := range phases {
		v := 0.0
		if p == st.Phase {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.phase, prometheus.GaugeValue, v, p.String())
	}

	snap := c.src.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue, float64(snap.AgentCount()))
	ch <- prometheus.MustNewConstMetric(c.artifacts, prometheus.GaugeValue, float64(snap.ArtifactCount()))
	ch <- prometheus.MustNewConstMetric(c.logEntries, prometheus.GaugeValue, float64(snap.LogCount()))
	ch <- prometheus.MustNewConstMetric(c.snapVersion, prometheus.GaugeValue, float64(snap.Version()))
}

// Handler serves src on a private registry, so several sessions in one
// process never collide.
func Handler(src Source) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// Serve exposes /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string, src Source, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("metrics")

	h, err := Handler(src)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Serving metrics.", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		<-errCh
		return nil
	}
}
