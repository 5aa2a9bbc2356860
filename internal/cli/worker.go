// worker.go implements "transcriptd worker", the long-running process that
// transcribes registered chunks.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/avikram/transcriptd/internal/app"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the transcription worker",
	Long: `Run the worker pool until interrupted. Chunks registered while the
worker runs are picked up immediately; chunks registered while it was down
are found by the periodic pending sweep.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger()

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: environment(),
		})
		if err != nil {
			logger.Printf("sentry init failed: %v", err)
		} else {
			logger.Printf("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Workers().Start()
	<-ctx.Done()

	if n := a.Workers().ActiveJobs(); n > 0 {
		logger.Printf("shutting down, draining %d active jobs", n)
	}
	return nil
}

func environment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
