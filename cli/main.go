package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Main runs the root command with os.Args and returns the process exit code.
func Main() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := Command()
	if err := cmd.ExecuteContext(ctx); err != nil {
		// The result is already on stdout.
		if errors.Is(err, ErrInvalidToken) {
			return 1
		}
		slog.Error(err.Error(), "err", err)
		return 1
	}
	return 0
}
