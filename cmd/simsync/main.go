// File: cmd/simsync/main.go
/*
Copyright © 2025 Kyle McAllister (xkilldash9x@proton.me)
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/simsync/cmd"
	"github.com/xkilldash9x/simsync/internal/observability"
)

const panicLogFile = "panic.log"

// Function variables so tests can replace process side effects.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osExit(run(ctx, os.Args[1:]))
}

// run executes args and maps the outcome onto an exit code. With no
// arguments the interactive console opens.
func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		args = []string{"console"}
	}
	err := cmd.Execute(ctx, args)
	observability.Sync()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		return 1
	}
}

// handlePanic records a crash to panic.log so the stack survives a closed
// terminal, then exits non-zero.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "\nsimsync crashed. Details logged to %s\n", panicLogFile)
	osExit(2)
}
