// Command flowtrace runs the trace correlator behind its HTTP hook bridge.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashita-ai/flowtrace"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(os.Getenv("FLOWTRACE_LOG_LEVEL")))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := flowtrace.New(
		flowtrace.WithVersion(version),
		flowtrace.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	logger.Info("flowtrace starting", "version", version)
	return app.Run(ctx)
}
