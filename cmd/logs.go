// File: cmd/logs.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/simsync/internal/history"
	"github.com/xkilldash9x/simsync/internal/observability"
	"github.com/xkilldash9x/simsync/internal/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newLogsCmd() *cobra.Command {
	var (
		limit     int
		follow    bool
		fromStart bool
		poll      bool
	)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print persisted simulation logs, or follow the client log file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			if follow {
				if cfg.Logger.LogFile == "" {
					return fmt.Errorf("no log file configured (logger.log_file)")
				}
				path, err := homedir.Expand(cfg.Logger.LogFile)
				if err != nil {
					return fmt.Errorf("expand log file path: %w", err)
				}
				// Flush our own startup lines before tailing the same file.
				observability.Sync()
				return followLog(ctx, path, fromStart, poll, cmd.OutOrStdout())
			}

			if !cfg.History.Enabled() {
				return fmt.Errorf("no history store configured (history.path or history.dsn)")
			}
			h, err := history.OpenConfigured(ctx, cfg.History)
			if err != nil {
				return err
			}
			defer h.Close()

			entries, err := h.Load(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintln(out, formatEntry(e))
			}
			return nil
		},
	}

	logsCmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of newest entries to print (0 prints all)")
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow the client's JSON log file")
	logsCmd.Flags().BoolVar(&fromStart, "from-start", false, "with --follow, start at the beginning of the file")
	logsCmd.Flags().BoolVar(&poll, "poll", false, "with --follow, poll for changes instead of using inotify")
	return logsCmd
}

// followLog streams formatted lines of the file at path until ctx ends.
func followLog(ctx context.Context, path string, fromStart, poll bool, out io.Writer) error {
	whence := io.SeekEnd
	if fromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				fmt.Fprintf(os.Stderr, "error reading log file: %v\n", line.Err)
				continue
			}
			fmt.Fprintln(out, formatLogLine(line.Text))
		}
	}
}

// formatLogLine renders one zap JSON line. Lines that are not JSON objects
// are returned unchanged.
func formatLogLine(text string) string {
	var rec map[string]any
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return text
	}

	ts, _ := rec["ts"].(string)
	level, _ := rec["level"].(string)
	name, _ := rec["logger"].(string)
	msg, _ := rec["msg"].(string)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", ts, strings.ToUpper(level))
	if name != "" {
		fmt.Fprintf(&b, " %s", name)
	}
	fmt.Fprintf(&b, " %s", msg)

	skip := map[string]bool{"ts": true, "level": true, "logger": true, "msg": true, "caller": true, "stacktrace": true}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, rec[k])
	}
	return b.String()
}

func formatEntry(e state.LogEntry) string {
	return fmt.Sprintf("%s [%s] %s", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Level, e.Message)
}
