// File: cmd/console.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/simsync/internal/observability"
	"github.com/xkilldash9x/simsync/internal/reconnect"
	"github.com/xkilldash9x/simsync/internal/router"
	"github.com/xkilldash9x/simsync/internal/session"
	"github.com/xkilldash9x/simsync/internal/state"
)

const consoleHelp = `Commands:
  play | pause | next | back   relay a control action
  send <header> <content>      send content under header
  reconnect                    retry the connection now
  status                       connection phase and frame counters
  env                          current environment and agent summary
  agents                       list agents with positions
  logs [n]                     print the newest n log lines (default 20)
  clear-logs                   empty the log history
  help                         show this help
  quit | exit                  leave the console
`

// consoleSession is the part of a session the console drives.
type consoleSession interface {
	Snapshot() *state.Snapshot
	Status() reconnect.Status
	Stats() router.Stats
	SendAction(action string) error
	SendData(category string, content any) error
	HandleReconnect(ctx context.Context) error
	ClearLogs() error
}

var _ consoleSession = (*session.Session)(nil)

func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Open an interactive console attached to the simulation.",
		Args:  cobra.NoArgs,
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
				fmt.Fprintf(cmd.ErrOrStderr(), "initial connection failed: %v (retrying in background)\n", err)
			}
			return runConsole(ctx, sess, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runConsole reads commands from in until EOF, quit, or ctx ends.
func runConsole(ctx context.Context, sess consoleSession, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprint(out, "simsync > ")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read console input: %w", err)
					}
				default:
				}
				fmt.Fprintln(out)
				return nil
			}
			if quit := runConsoleLine(ctx, sess, strings.Fields(line), out); quit {
				return nil
			}
			fmt.Fprint(out, "simsync > ")
		}
	}
}

// runConsoleLine executes one command and reports whether the console should exit.
func runConsoleLine(ctx context.Context, sess consoleSession, fields []string, out io.Writer) bool {
	if len(fields) == 0 {
		return false
	}
	switch name := strings.ToLower(fields[0]); name {
	case "quit", "exit":
		return true
	case "help", "?":
		fmt.Fprint(out, consoleHelp)
	case session.ActionPlay, session.ActionPause, session.ActionNext, session.ActionBack:
		report(out, name, sess.SendAction(name))
	case "send":
		if len(fields) < 3 {
			fmt.Fprintln(out, "usage: send <header> <content>")
			return false
		}
		content := strings.Join(fields[2:], " ")
		report(out, fields[1], sess.SendData(fields[1], state.CoerceValue(content)))
	case "reconnect":
		fmt.Fprintln(out, "reconnecting...")
		if err := sess.HandleReconnect(ctx); err != nil {
			if errors.Is(err, reconnect.ErrMaxReconnectAttempts) {
				fmt.Fprintln(out, "server unreachable, giving up")
			} else {
				fmt.Fprintf(out, "reconnect failed: %v\n", err)
			}
			return false
		}
		fmt.Fprintln(out, "connected")
	case "status":
		st := sess.Status()
		stats := sess.Stats()
		fmt.Fprintf(out, "phase=%s socket=%s attempts=%d routed=%d dropped=%d unhandled=%d\n",
			st.Phase, st.Connection, st.Attempts, stats.Routed, stats.Dropped, stats.Unhandled)
		if st.Err != nil {
			fmt.Fprintf(out, "last error: %v\n", st.Err)
		}
	case "env":
		fmt.Fprint(out, formatSnapshot(sess.Snapshot()))
	case "agents":
		agents := sess.Snapshot().Agents()
		if len(agents) == 0 {
			fmt.Fprintln(out, "no agents")
		}
		for _, a := range agents {
			fmt.Fprintf(out, "%-20s (%d,%d)\n", a.Name, a.X, a.Y)
		}
	case "logs":
		n := 20
		if len(fields) > 1 {
			if v, err := parsePositive(fields[1]); err == nil {
				n = v
			} else {
				fmt.Fprintf(out, "invalid count %q\n", fields[1])
				return false
			}
		}
		logs := sess.Snapshot().Logs()
		if len(logs) > n {
			logs = logs[len(logs)-n:]
		}
		for _, e := range logs {
			fmt.Fprintln(out, formatEntry(e))
		}
	case "clear-logs":
		report(out, "clear-logs", sess.ClearLogs())
	default:
		fmt.Fprintf(out, "unknown command %q, type help for a list\n", fields[0])
	}
	return false
}

func report(out io.Writer, what string, err error) {
	switch {
	case err == nil:
		fmt.Fprintf(out, "ok %s\n", what)
	case errors.Is(err, session.ErrSendThrottled):
		fmt.Fprintln(out, "throttled, try again shortly")
	default:
		fmt.Fprintf(out, "%s failed: %v\n", what, err)
	}
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("not a positive integer: %q", s)
	}
	return n, nil
}
