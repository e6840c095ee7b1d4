// Package worker drives the periodic stitching cycle: claim a batch of new
// events, group them, and hand the components to the merge coordinator.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"example.com/journey/internal/domain"
	"example.com/journey/internal/stitch"
	"example.com/journey/internal/store"
)

// Stitcher is the coordinator surface the runner depends on.
type Stitcher interface {
	ProcessBatch(ctx context.Context, batch []domain.Event) (stitch.BatchResult, error)
}

// Config tunes the runner loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// BatchBudget bounds the wall-clock time spent on one batch. A batch
	// that exceeds it is abandoned; its unprocessed events return to NEW.
	BatchBudget time.Duration
}

// Runner polls the event source and stitches batches until its context is
// cancelled. Multiple runner processes are safe concurrently: batch claims
// are exclusive and all journey writes go through CAS.
type Runner struct {
	source           store.EventSource
	stitcher         Stitcher
	cfg              Config
	logger           *log.Logger
	shutdownComplete chan struct{}
}

// Option configures optional runner behaviour.
type Option func(*Runner)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner constructs a Runner.
func NewRunner(source store.EventSource, stitcher Stitcher, cfg Config, opts ...Option) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchBudget <= 0 {
		cfg.BatchBudget = time.Minute
	}
	r := &Runner{
		source:           source,
		stitcher:         stitcher,
		cfg:              cfg,
		logger:           log.New(log.Writer(), "[worker] ", log.LstdFlags),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the polling loop. It should be called in a goroutine.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer func() {
		ticker.Stop()
		close(r.shutdownComplete)
	}()

	for {
		if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Printf("stitch cycle error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the runner loop has stopped.
func (r *Runner) Wait() {
	<-r.shutdownComplete
}

// RunOnce claims and stitches a single batch.
func (r *Runner) RunOnce(ctx context.Context) error {
	batch, err := r.source.ClaimBatch(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	batchCtx, cancel := context.WithTimeout(ctx, r.cfg.BatchBudget)
	defer cancel()

	result, err := r.stitcher.ProcessBatch(batchCtx, batch)
	batchDuration.Observe(time.Since(start).Seconds())
	eventsProcessedCounter.Add(float64(result.Processed))
	if result.Processed > 0 {
		recordBatchCompleted(time.Now())
	}

	if budgetErr := batchCtx.Err(); budgetErr != nil && ctx.Err() == nil {
		// Budget exceeded: events the coordinator already marked processed
		// stay so; everything still claimed goes back to NEW.
		err = errors.Join(err, r.releaseUnfinished(ctx, batch))
		return errors.Join(err, budgetErr)
	}

	if result.Failed > 0 {
		r.logger.Printf("batch partially stitched (processed=%d, dead_lettered=%d, failed=%d)",
			result.Processed, result.DeadLettered, result.Failed)
	}
	return err
}

// releaseUnfinished returns events still claimed by this worker to NEW. The
// release is idempotent: processed events are untouched.
func (r *Runner) releaseUnfinished(ctx context.Context, batch []domain.Event) error {
	ids := make([]string, len(batch))
	for i, event := range batch {
		ids[i] = event.ID
	}
	return r.source.Release(ctx, ids)
}
