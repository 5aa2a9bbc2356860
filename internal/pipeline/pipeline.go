package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/avikram/transcriptd/internal/events"
	"github.com/avikram/transcriptd/internal/session"
	"github.com/avikram/transcriptd/internal/store"
	"github.com/avikram/transcriptd/internal/stt"
)

// Config holds worker pool tuning. Zero values fall back to defaults.
type Config struct {
	Concurrency   int           // concurrent chunk transcriptions (default: 4)
	MaxAttempts   int           // attempt budget per chunk (default: 3)
	RetryBase     time.Duration // first retry backoff, doubled per attempt (default: 1s)
	SweepInterval time.Duration // how often to scan for missed pending chunks (default: 30s)
	SweepAge      time.Duration // minimum age before a pending chunk is swept (default: 30s)
	SweepBatch    int           // max chunks enqueued per sweep (default: 50)
	StaleAge      time.Duration // quiet time before a processing chunk counts as orphaned (default: 10m)
}

// Workers transcribes registered chunks. Chunks normally arrive over the
// event bus the moment they are registered; a periodic sweep picks up any
// whose event was dropped or that predate this process, and requeues chunks
// orphaned mid-transcription by a dead worker. Each chunk runs one processing
// task with a bounded attempt budget, and a failure that exhausts the budget
// fails the chunk and its session.
type Workers struct {
	manager  *session.Manager
	store    store.Store
	provider stt.Provider
	source   AudioSource
	bus      *events.Bus
	logger   *log.Logger

	concurrency   int
	maxAttempts   int
	retryBase     time.Duration
	sweepInterval time.Duration
	sweepAge      time.Duration
	sweepBatch    int
	staleAge      time.Duration

	group    errgroup.Group
	inflight *inflightRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkers creates the transcription worker pool.
func NewWorkers(m *session.Manager, s store.Store, provider stt.Provider, source AudioSource, bus *events.Bus, cfg Config, logger *log.Logger) *Workers {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = 30 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = 10 * time.Minute
	}

	w := &Workers{
		manager:       m,
		store:         s,
		provider:      provider,
		source:        source,
		bus:           bus,
		logger:        logger,
		concurrency:   cfg.Concurrency,
		maxAttempts:   cfg.MaxAttempts,
		retryBase:     cfg.RetryBase,
		sweepInterval: cfg.SweepInterval,
		sweepAge:      cfg.SweepAge,
		sweepBatch:    cfg.SweepBatch,
		staleAge:      cfg.StaleAge,
		inflight:      newInflightRegistry(),
		stopCh:        make(chan struct{}),
	}
	w.group.SetLimit(cfg.Concurrency)
	return w
}

// Start launches the event dispatcher and the pending sweep.
func (w *Workers) Start() {
	sub := w.bus.Subscribe(64)
	w.wg.Add(2)
	go w.dispatch(sub)
	go w.sweep()
	w.logger.Printf("pipeline: started (concurrency=%d, max_attempts=%d)", w.concurrency, w.maxAttempts)
}

// Stop drains the pool: no new chunks start and running transcriptions
// finish naturally. Safe to call more than once.
func (w *Workers) Stop() {
	w.stopOnce.Do(func() {
		w.inflight.startDraining()
		close(w.stopCh)
		w.wg.Wait()
		_ = w.group.Wait()
		w.inflight.wait()
		w.logger.Println("pipeline: stopped")
	})
}

// ActiveJobs returns the number of chunks being transcribed right now.
func (w *Workers) ActiveJobs() int64 {
	return w.inflight.active()
}

func (w *Workers) dispatch(sub <-chan events.Event) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			switch e.Type {
			case events.ChunkRegistered:
				w.enqueue(e.ChunkID)
			case events.SessionAbandoned:
				w.inflight.cancelSession(e.SessionID)
			}
		}
	}
}

// enqueue hands a chunk to the pool. Blocks while all workers are busy,
// which backpressures the event subscription onto its buffer.
func (w *Workers) enqueue(chunkID string) {
	w.group.Go(func() error {
		if _, err := w.ProcessChunk(context.Background(), chunkID); err != nil {
			w.logger.Printf("pipeline: chunk %s: %v", chunkID, err)
		}
		return nil
	})
}

func (w *Workers) sweep() {
	defer w.wg.Done()

	// Run immediately on start
	w.sweepOnce()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweepOnce()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Workers) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	w.sweepPending(ctx)
	w.sweepStale(ctx)
}

// sweepPending enqueues pending chunks old enough that their registration
// event is clearly not coming. Enqueueing a chunk some worker already claimed
// is harmless: the claim fails and the job is skipped.
func (w *Workers) sweepPending(ctx context.Context) {
	chunks, err := w.store.PendingChunks(ctx, time.Now().Add(-w.sweepAge), w.sweepBatch)
	if err != nil {
		w.logger.Printf("pipeline: pending sweep failed: %v", err)
		return
	}
	if len(chunks) == 0 {
		return
	}
	w.logger.Printf("pipeline: sweeping %d pending chunks", len(chunks))
	for _, c := range chunks {
		w.enqueue(c.ID)
	}
}

// sweepStale requeues chunks left processing by a worker that died before
// finishing them. Chunks this process is still working on are skipped; the
// orphaned task, if any, is failed so the audit trail shows what happened.
func (w *Workers) sweepStale(ctx context.Context) {
	chunks, err := w.store.StaleProcessingChunks(ctx, time.Now().Add(-w.staleAge), w.sweepBatch)
	if err != nil {
		w.logger.Printf("pipeline: stale sweep failed: %v", err)
		return
	}
	for _, c := range chunks {
		if w.inflight.has(c.ID) {
			continue
		}
		if err := w.store.ResetChunkToPending(ctx, c.ID); err != nil {
			w.logger.Printf("pipeline: failed to requeue stale chunk %s: %v", c.ID, err)
			continue
		}
		if task, err := w.store.LatestTaskForChunk(ctx, c.ID); err == nil && task.Status == store.TaskRunning {
			_, _ = w.store.MarkTaskFailed(ctx, task.ID, "worker lost")
		}
		w.logger.Printf("pipeline: chunk %s was stuck processing, requeued", c.ID)
		w.enqueue(c.ID)
	}
}

// ProcessChunk runs the full transcription lifecycle for one chunk: claim,
// create a task, attempt transcription up to the budget with exponential
// backoff between attempts, and record the outcome. The accepted result is
// returned; a failure that exhausts the budget fails the chunk and surfaces
// the last attempt's error. A chunk that is already claimed, or whose session
// is no longer active, is skipped: zero result, nil error.
func (w *Workers) ProcessChunk(ctx context.Context, chunkID string) (stt.Result, error) {
	chunk, err := w.store.GetChunk(ctx, chunkID)
	if err != nil {
		return stt.Result{}, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !w.inflight.add(chunk.SessionID, chunk.ID, cancel) {
		return stt.Result{}, nil
	}
	defer w.inflight.done(chunk.SessionID, chunk.ID)

	chunk, err = w.manager.ClaimChunk(ctx, chunkID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, session.ErrSessionNotActive) {
			return stt.Result{}, nil
		}
		return stt.Result{}, err
	}

	task, err := w.store.CreateTask(ctx, chunk.ID, w.maxAttempts)
	if err != nil {
		return stt.Result{}, fmt.Errorf("failed to create task: %w", err)
	}

	var lastErr error
	for {
		task, err = w.store.MarkTaskRunning(ctx, task.ID)
		if err != nil {
			return stt.Result{}, err
		}

		res, attemptErr := w.transcribeOnce(procCtx, chunk, task.ID)
		if attemptErr == nil {
			if recErr := w.manager.RecordTranscription(ctx, chunk.ID, res); recErr != nil {
				attemptErr = fmt.Errorf("failed to record transcription: %w", recErr)
			} else {
				if _, err := w.store.MarkTaskCompleted(ctx, task.ID); err != nil {
					return stt.Result{}, err
				}
				w.logger.Printf("pipeline: chunk %s seq %d transcribed by %s on attempt %d",
					chunk.ID, chunk.SequenceIndex, res.Provider, task.AttemptCount)
				return res, nil
			}
		}
		lastErr = attemptErr

		task, err = w.store.MarkTaskFailed(ctx, task.ID, attemptErr.Error())
		if err != nil {
			return stt.Result{}, err
		}

		if procCtx.Err() != nil {
			if ctx.Err() != nil {
				return stt.Result{}, ctx.Err()
			}
			w.logger.Printf("pipeline: chunk %s cancelled: %v", chunk.ID, attemptErr)
			if err := w.manager.FailChunk(ctx, chunk.ID, "session abandoned"); err != nil {
				return stt.Result{}, err
			}
			return stt.Result{}, errors.New("session abandoned")
		}
		if task.AttemptCount >= task.MaxAttempts {
			break
		}

		if task, err = w.store.MarkTaskRetrying(ctx, task.ID, ""); err != nil {
			return stt.Result{}, err
		}
		backoff := w.retryBase << (task.AttemptCount - 1)
		w.logger.Printf("pipeline: chunk %s attempt %d failed, retrying in %v: %v",
			chunk.ID, task.AttemptCount, backoff, attemptErr)
		select {
		case <-time.After(backoff):
		case <-procCtx.Done():
			if _, err := w.store.MarkTaskFailed(ctx, task.ID, "session abandoned"); err != nil {
				return stt.Result{}, err
			}
			if ctx.Err() != nil {
				return stt.Result{}, ctx.Err()
			}
			if err := w.manager.FailChunk(ctx, chunk.ID, "session abandoned"); err != nil {
				return stt.Result{}, err
			}
			return stt.Result{}, errors.New("session abandoned")
		}
	}

	sentry.CaptureException(lastErr)
	if err := w.manager.FailChunk(ctx, chunk.ID, lastErr.Error()); err != nil {
		return stt.Result{}, err
	}
	return stt.Result{}, fmt.Errorf("transcription failed after %d attempts: %w", task.AttemptCount, lastErr)
}

// transcribeOnce fetches the chunk's audio and runs the provider once.
func (w *Workers) transcribeOnce(ctx context.Context, chunk store.Chunk, taskID string) (stt.Result, error) {
	audio, err := w.source.ChunkAudio(ctx, chunk)
	if err != nil {
		return stt.Result{}, err
	}
	_ = w.store.SetTaskProgress(ctx, taskID, 30)

	res, err := w.provider.Transcribe(ctx, audio)
	if err != nil {
		return stt.Result{}, err
	}
	_ = w.store.SetTaskProgress(ctx, taskID, 90)
	return res, nil
}
