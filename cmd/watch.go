// File: cmd/watch.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/simsync/internal/metrics"
	"github.com/xkilldash9x/simsync/internal/observability"
	"github.com/xkilldash9x/simsync/internal/session"
	"github.com/xkilldash9x/simsync/internal/state"
)

func newWatchCmd() *cobra.Command {
	var (
		duration    time.Duration
		metricsAddr string
	)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the simulation server and print each state change.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			sess, err := openSession(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := sess.Close(); cerr != nil {
					logger.Warn("Session close reported an error", zap.Error(cerr))
				}
			}()

			updates, unsubscribe := sess.Subscribe()
			defer unsubscribe()

			// A failed first attempt is retried by the controller.
			if err := sess.Start(ctx); err != nil {
				logger.Warn("Initial connection attempt failed", zap.Error(err))
			}

			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.ListenAddr
			}
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(runCtx)
			if metricsAddr != "" {
				g.Go(func() error { return metrics.Serve(gctx, metricsAddr, sess, logger) })
			}
			g.Go(func() error {
				defer cancel()
				return watchSnapshots(gctx, updates, cmd.OutOrStdout())
			})
			return g.Wait()
		},
	}

	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.listen_addr)")
	watchCmd.Flags().DurationVar(&duration, "duration", 0, "stop watching after this long (0 watches until interrupted)")
	return watchCmd
}

// watchSnapshots prints every newly published snapshot until ctx ends or the
// channel closes.
func watchSnapshots(ctx context.Context, updates <-chan *state.Snapshot, out io.Writer) error {
	var last uint64
	printed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if printed && snap.Version() == last {
				continue
			}
			last, printed = snap.Version(), true
			fmt.Fprint(out, formatSnapshot(snap))
		}
	}
}

// formatSnapshot renders a short human readable view of snap.
func formatSnapshot(snap *state.Snapshot) string {
	var b strings.Builder
	env := snap.Environment()
	conn := ""
	if v, ok := snap.KV(session.ConnectionKey); ok && v != nil {
		conn = fmt.Sprint(v)
	}

	fmt.Fprintf(&b, "[v%d] %s step %d/%d status=%s connection=%s\n",
		snap.Version(), orDash(env.Name), env.CurrentStep, env.MaxSteps, orDash(env.Status), orDash(conn))
	fmt.Fprintf(&b, "  agents=%d artifacts=%d logs=%d\n", snap.AgentCount(), snap.ArtifactCount(), snap.LogCount())
	for _, a := range snap.Agents() {
		fmt.Fprintf(&b, "  - %s (%d,%d)\n", a.Name, a.X, a.Y)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
