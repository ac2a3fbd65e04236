// File: cmd/taskpilot/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xops-dev/taskpilot/cmd"
	"github.com/xops-dev/taskpilot/internal/observability"
)

func main() {
	// Listen for interrupt signals so a Ctrl+C during a run flows through
	// the loop controller's interrupt path instead of killing the process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
