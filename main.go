package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/sweep-cli/cmd"
	"github.com/xkilldash9x/sweep-cli/internal/observability"
)

const panicLogFile = "panic.log"

func main() {
	defer handlePanic()

	// SIGINT and SIGTERM cancel the context so sessions stop cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		os.Exit(1)
	}
}

// handlePanic flushes the logs and writes the stack to panicLogFile.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()
	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := os.WriteFile(panicLogFile, []byte(msg), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n%s\n", err, msg)
	} else {
		fmt.Fprintf(os.Stderr, "sweep crashed. Details logged to %s\n", panicLogFile)
	}
	os.Exit(2)
}
