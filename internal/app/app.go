package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avikram/transcriptd/internal/eventlog"
	"github.com/avikram/transcriptd/internal/events"
	"github.com/avikram/transcriptd/internal/notify"
	"github.com/avikram/transcriptd/internal/pipeline"
	"github.com/avikram/transcriptd/internal/session"
	"github.com/avikram/transcriptd/internal/stitch"
	"github.com/avikram/transcriptd/internal/store"
	"github.com/avikram/transcriptd/internal/stt"
)

// App wires the store, event bus, session manager and transcription
// pipeline together. The worker pool is constructed but not started; the
// worker command starts it, one-shot commands use the rest directly.
type App struct {
	cfg    Config
	logger *log.Logger

	store    store.Store
	bus      *events.Bus
	eventLog *eventlog.Logger
	notifier *notify.Webhook
	manager  *session.Manager
	provider stt.Provider
	workers  *pipeline.Workers

	consumers sync.WaitGroup
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	el := eventlog.New(s, logger)
	notifier := notify.NewWebhook(cfg.WebhookURL, logger)
	manager := session.NewManager(s, bus, stitch.New(cfg.OverlapRatio), logger)

	primary := stt.NewWhisperClient(stt.WhisperConfig{APIKey: cfg.OpenAIAPIKey})
	secondary := stt.NewAssemblyAIClient(stt.AssemblyAIConfig{APIKey: cfg.AssemblyAIAPIKey})
	provider := stt.NewHybridClient(primary, secondary, stt.HybridConfig{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		ProviderTimeout:     cfg.ProviderTimeout(),
	}, logger)

	workers := pipeline.NewWorkers(manager, s, provider, pipeline.NewDirAudioSource(cfg.AudioDir), bus, pipeline.Config{
		Concurrency:   cfg.Concurrency,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBase:     cfg.RetryBase(),
		SweepInterval: cfg.SweepInterval(),
		SweepAge:      cfg.SweepAge(),
		StaleAge:      cfg.StaleAge(),
	}, logger)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		bus:      bus,
		eventLog: el,
		notifier: notifier,
		manager:  manager,
		provider: provider,
		workers:  workers,
	}

	a.consumers.Add(1)
	go func() {
		defer a.consumers.Done()
		el.Run(bus.Subscribe(128))
	}()
	if notifier.Enabled() {
		a.consumers.Add(1)
		go func() {
			defer a.consumers.Done()
			notifier.Run(bus.Subscribe(64))
		}()
	}

	return a, nil
}

// openStore picks Postgres when DATABASE_URL is set and falls back to the
// embedded SQLite database otherwise.
func openStore(cfg Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		s := store.NewPostgres(db)
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		return s, nil
	}
	return store.OpenSQLite(cfg.SQLitePath)
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Workers returns the transcription worker pool. It is not started.
func (a *App) Workers() *pipeline.Workers { return a.workers }

// Store returns the backing store.
func (a *App) Store() store.Store { return a.store }

// Provider returns the configured transcription provider chain.
func (a *App) Provider() stt.Provider { return a.provider }

// Config returns the effective configuration.
func (a *App) Config() Config { return a.cfg }

// Close stops the workers, closes the bus so consumers drain, and closes
// the store.
func (a *App) Close() error {
	a.workers.Stop()
	a.bus.Close()
	a.consumers.Wait()
	return a.store.Close()
}
