// File: cmd/send.go
package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/simsync/internal/observability"
	"github.com/xkilldash9x/simsync/internal/state"
)

func newSendCmd() *cobra.Command {
	var timeout time.Duration

	sendCmd := &cobra.Command{
		Use:   "send <action|header> [content]",
		Short: "Send one frame to the simulation server.",
		Long: `Send connects, waits for the socket to open and sends a single frame.
With one argument the frame is a control action (play, pause, next, back).
With two, the second argument is sent as content under the given header;
JSON and numeric strings are decoded first.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			sess, err := openSession(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := sess.Close(); cerr != nil {
					logger.Warn("Session close reported an error", zap.Error(cerr))
				}
			}()

			if err := sess.Start(ctx); err != nil {
				logger.Debug("Initial connection attempt failed", zap.Error(err))
			}
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := sess.WaitOpen(waitCtx); err != nil {
				return fmt.Errorf("server not reachable: %w", err)
			}

			header := strings.TrimSpace(args[0])
			if len(args) == 1 {
				err = sess.SendAction(header)
			} else {
				err = sess.SendData(header, state.CoerceValue(args[1]))
			}
			if err != nil {
				return fmt.Errorf("send %s: %w", header, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", header)
			return nil
		},
	}

	sendCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the connection to open")
	return sendCmd
}
