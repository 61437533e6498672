// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/promptpilot/cmd"
)

// main lets `go install github.com/xkilldash9x/promptpilot@latest` produce the CLI.
// cmd/promptpilot is the full entry point with crash logging.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.Execute(ctx); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		os.Exit(1)
	}
}
