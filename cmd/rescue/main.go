// Command rescue downloads media URLs through the resilience stack and
// inspects the retry ledger.
//
// Usage:
//
//	rescue download [-dir DIR] [-concurrency N] [-file urls.txt] [-output text|json] URL...
//	rescue retry [-limit N]
//	rescue recover [-output text|json] URL
//	rescue deadletter [-limit N] [-output text|json] list
//	rescue deadletter [-limit N] [-o FILE] export
//	rescue deadletter requeue URL SERVICE
//	rescue stats [-output text|json]
//
// Flags precede positional arguments.
//
// Configuration is read from the file named by RESCUE_CONFIG and the
// environment; see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"media-rescue/internal/app"
	"media-rescue/internal/config"
	"media-rescue/internal/observability/logging"
)

const usage = `Usage: rescue <command> [flags] [args]

Commands:
  download     download URLs, recovering vanished content from archives
  retry        process ledger items that are due now
  recover      look up archived copies of a URL without downloading
  deadletter   list, export or requeue dead-letter items
  stats        show ledger, cache, recovery and breaker statistics
`

// errUsage marks argument errors; they exit with status 2.
var errUsage = errors.New("usage")

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// The CLI logs to stderr in text form unless LOG_FORMAT says otherwise.
	logger := logging.NewTextLogger()
	if os.Getenv("LOG_FORMAT") != "" {
		logger = logging.NewLogger()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := dispatch(ctx, logger, os.Args[1], os.Args[2:])
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "Error: %v\n\n%s", err, usage)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, logger *slog.Logger, name string, args []string) error {
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}

	fs, run := cmd()
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close resources", slog.Any("error", err))
		}
	}()

	return run(ctx, a, fs.Args(), os.Stdout)
}
