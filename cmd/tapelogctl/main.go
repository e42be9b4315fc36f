package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tapelog/tapelog/internal/cli/tapelogctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	options := tapelogctl.Options{
		BaseURL: envOr("TAPELOG_API_URL", "http://localhost:8090"),
		APIKey:  strings.TrimSpace(os.Getenv("TAPELOG_API_KEY")),
		Timeout: parseDurationWithDefault(strings.TrimSpace(os.Getenv("TAPELOG_CLI_TIMEOUT")), 10*time.Second),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := tapelogctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid TAPELOG_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
