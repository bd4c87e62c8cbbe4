// Package worker drains the sync operation queue.
//
// A single loop polls the store on a fixed interval, claims a batch of due
// pending operations and applies them one after another. The loop is the
// only scheduling authority: a failed operation goes back to pending with a
// next attempt time instead of being retried from a timer of its own.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/flowsync/internal/entities"
	"github.com/prudhvinik1/flowsync/internal/models"
	"github.com/prudhvinik1/flowsync/internal/repositories"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrTickInFlight   = errors.New("batch already in flight")
)

const (
	lockKey        = "flowsync:worker:lock"
	statusWriteTTL = 5 * time.Second
)

type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	LeaseTimeout      time.Duration
	RetentionDays     int
	RetentionInterval time.Duration
	// LockTTL bounds how long one tick may hold the replica lock. Zero
	// means LeaseTimeout.
	LockTTL           time.Duration
	Retry             RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		BatchSize:         50,
		LeaseTimeout:      5 * time.Minute,
		RetentionDays:     30,
		RetentionInterval: time.Hour,
		LockTTL:           5 * time.Minute,
		Retry:             DefaultRetryPolicy(),
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, op *models.SyncOperation) (entities.Result, error)
}

type Option func(*Worker)

// WithLocker makes every tick take a lock shared by all replicas, so only
// one process drains the queue at a time.
func WithLocker(locker repositories.LockRepository) Option {
	return func(w *Worker) { w.locker = locker }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

type Worker struct {
	ops        repositories.OperationRepository
	dispatcher Dispatcher
	locker     repositories.LockRepository
	config     Config
	logger     *slog.Logger
	owner      string
	now        func() time.Time

	inFlight  atomic.Bool
	nudge     chan struct{}
	lastPurge time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(ops repositories.OperationRepository, dispatcher Dispatcher, config Config, opts ...Option) *Worker {
	w := &Worker{
		ops:        ops,
		dispatcher: dispatcher,
		config:     config,
		logger:     slog.Default(),
		owner:      uuid.New().String(),
		now:        time.Now,
		nudge:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "sync_worker")
	return w
}

// Start launches the polling loop. It returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(loopCtx, w.done)

	w.logger.Info("sync worker started",
		"poll_interval", w.config.PollInterval,
		"batch_size", w.config.BatchSize,
		"max_retries", w.config.Retry.MaxRetries,
	)
	return nil
}

// Stop cancels the loop and waits for the batch in flight to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("sync worker stopped")
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Nudge asks the loop to tick now instead of waiting for the next interval.
// Nudges coalesce; it never blocks.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.nudge:
		}

		if _, err := w.Tick(ctx); err != nil && !errors.Is(err, ErrTickInFlight) && ctx.Err() == nil {
			w.logger.Error("sync tick failed", "error", err)
		}
	}
}

// Tick claims one batch and processes it sequentially. A tick that starts
// while another is still running is skipped, not queued.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return 0, ErrTickInFlight
	}
	defer w.inFlight.Store(false)

	if w.locker != nil {
		ok, err := w.locker.Acquire(ctx, lockKey, w.owner, w.lockTTL())
		if err != nil {
			return 0, err
		}
		if !ok {
			w.logger.Debug("another replica holds the worker lock")
			return 0, nil
		}
		defer w.releaseLock(ctx)
	}

	w.reclaim(ctx)
	w.purge(ctx)

	batch, err := w.ops.ClaimPendingBatch(ctx, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}

	processed := 0
	for _, op := range batch {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, op) {
			processed++
		}
	}

	if processed > 0 {
		w.logger.Info("sync batch processed", "claimed", len(batch), "processed", processed)
	}
	return processed, nil
}

func (w *Worker) process(ctx context.Context, op *models.SyncOperation) bool {
	log := w.logger.With(
		"operation_id", op.ID,
		"entity_type", op.EntityType,
		"kind", op.Kind,
		"retry_count", op.RetryCount,
	)

	if err := w.ops.MarkProcessing(ctx, op.ID); err != nil {
		if errors.Is(err, repositories.ErrNotClaimable) {
			log.Debug("operation claimed elsewhere, skipping")
		} else {
			log.Error("failed to claim operation", "error", err)
		}
		return false
	}

	result, err := w.dispatch(ctx, op)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTTL)
	defer cancel()

	if err != nil {
		w.onFailure(writeCtx, log, op, err)
		return true
	}

	if err := w.ops.MarkCompleted(writeCtx, op.ID, result.Map()); err != nil {
		// The lease sweep returns the row to pending; the handler then sees
		// its own operation id on the entity and reports a duplicate.
		log.Error("failed to mark operation completed", "error", err)
		return true
	}
	log.Debug("operation completed", "status", result.Status)
	return true
}

func (w *Worker) dispatch(ctx context.Context, op *models.SyncOperation) (result entities.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.dispatcher.Dispatch(ctx, op)
}

// onFailure is the retry/backoff controller: reschedule with exponential
// delay, or fail the operation for good.
func (w *Worker) onFailure(ctx context.Context, log *slog.Logger, op *models.SyncOperation, cause error) {
	decision := w.config.Retry.Decide(op.RetryCount, cause)
	result := map[string]any{"error": cause.Error()}

	if decision.Terminal {
		if IsPermanent(cause) {
			log.Error("operation failed permanently", "error", cause)
		} else {
			log.Warn("operation exhausted retries", "error", cause, "attempts", decision.RetryCount)
		}
		if err := w.ops.MarkFailed(ctx, op.ID, decision.RetryCount, result); err != nil {
			log.Error("failed to mark operation failed", "error", err)
		}
		return
	}

	log.Warn("operation failed, retrying", "error", cause, "delay", decision.Delay, "next_retry_count", decision.RetryCount)
	if err := w.ops.MarkPendingForRetry(ctx, op.ID, decision.RetryCount, decision.Delay, result); err != nil {
		log.Error("failed to reschedule operation", "error", err)
	}
}

func (w *Worker) reclaim(ctx context.Context) {
	n, err := w.ops.ReclaimStuck(ctx, w.config.LeaseTimeout)
	if err != nil {
		w.logger.Warn("lease sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("reclaimed operations with expired lease", "count", n)
	}
}

func (w *Worker) purge(ctx context.Context) {
	if w.config.RetentionDays <= 0 {
		return
	}
	now := w.now()
	if !w.lastPurge.IsZero() && now.Sub(w.lastPurge) < w.config.RetentionInterval {
		return
	}
	w.lastPurge = now

	n, err := w.ops.PurgeOlderThan(ctx, w.config.RetentionDays)
	if err != nil {
		w.logger.Warn("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("purged finished operations", "count", n, "older_than_days", w.config.RetentionDays)
	}
}

func (w *Worker) lockTTL() time.Duration {
	if w.config.LockTTL > 0 {
		return w.config.LockTTL
	}
	return w.config.LeaseTimeout
}

func (w *Worker) releaseLock(ctx context.Context) {
	if err := w.locker.Release(context.WithoutCancel(ctx), lockKey, w.owner); err != nil {
		w.logger.Warn("failed to release worker lock", "error", err)
	}
}
