package testutil

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/flowsync/internal/models"
	"github.com/prudhvinik1/flowsync/internal/repositories"
)

// MemoryOperationRepository mirrors the conditional-update semantics of
// PostgresOperationRepository.
type MemoryOperationRepository struct {
	mu    sync.Mutex
	clock *Clock
	ops   map[uuid.UUID]*models.SyncOperation
	seq   map[uuid.UUID]int
	next  int

	// Transitions records every status change as "<id>:<status>".
	Transitions []string

	// EnqueueErr, when set, is consulted for each row before anything is
	// written; a non-nil result fails the whole call.
	EnqueueErr func(op *models.SyncOperation) error
}

func NewMemoryOperationRepository(clock *Clock) *MemoryOperationRepository {
	return &MemoryOperationRepository{
		clock: clock,
		ops:   make(map[uuid.UUID]*models.SyncOperation),
		seq:   make(map[uuid.UUID]int),
	}
}

func (r *MemoryOperationRepository) Enqueue(ctx context.Context, op *models.SyncOperation) error {
	return r.EnqueueBatch(ctx, []*models.SyncOperation{op})
}

func (r *MemoryOperationRepository) EnqueueBatch(ctx context.Context, ops []*models.SyncOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.EnqueueErr != nil {
		for _, op := range ops {
			if err := r.EnqueueErr(op); err != nil {
				return err
			}
		}
	}

	now := r.clock.Now()
	for _, op := range ops {
		op.Status = models.StatusPending
		op.RetryCount = 0
		op.NextAttemptAt = now
		op.CreatedAt = now
		op.UpdatedAt = now

		r.ops[op.ID] = cloneOperation(op)
		r.seq[op.ID] = r.next
		r.next++
	}
	return nil
}

// Put stores a row as-is, bypassing Enqueue. Tests use it to stage rows in
// states the enqueuer can never produce.
func (r *MemoryOperationRepository) Put(op *models.SyncOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ops[op.ID] = cloneOperation(op)
	r.seq[op.ID] = r.next
	r.next++
}

func (r *MemoryOperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cloneOperation(op), nil
}

func (r *MemoryOperationRepository) ClaimPendingBatch(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	return r.selectLocked(limit, func(op *models.SyncOperation) bool {
		return op.Status == models.StatusPending && !op.NextAttemptAt.After(now)
	}), nil
}

func (r *MemoryOperationRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.transition(id, models.StatusPending, func(op *models.SyncOperation, now time.Time) {
		op.Status = models.StatusProcessing
		op.ClaimedAt = &now
	})
}

func (r *MemoryOperationRepository) MarkCompleted(ctx context.Context, id uuid.UUID, result map[string]any) error {
	return r.transition(id, models.StatusProcessing, func(op *models.SyncOperation, now time.Time) {
		op.Status = models.StatusCompleted
		op.Result = maps.Clone(result)
		op.ClaimedAt = nil
	})
}

func (r *MemoryOperationRepository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, result map[string]any) error {
	return r.transition(id, models.StatusProcessing, func(op *models.SyncOperation, now time.Time) {
		op.Status = models.StatusFailed
		op.RetryCount = retryCount
		op.Result = maps.Clone(result)
		op.ClaimedAt = nil
	})
}

func (r *MemoryOperationRepository) MarkPendingForRetry(ctx context.Context, id uuid.UUID, retryCount int, delay time.Duration, result map[string]any) error {
	return r.transition(id, models.StatusProcessing, func(op *models.SyncOperation, now time.Time) {
		op.Status = models.StatusPending
		op.RetryCount = retryCount
		op.Result = maps.Clone(result)
		op.NextAttemptAt = now.Add(delay)
		op.ClaimedAt = nil
	})
}

func (r *MemoryOperationRepository) CountByStatus(ctx context.Context, userID uuid.UUID) (*models.SyncStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := &models.SyncStatus{}
	for _, op := range r.ops {
		if op.UserID == userID {
			status.Add(op.Status, 1)
		}
	}
	return status, nil
}

func (r *MemoryOperationRepository) ListPending(ctx context.Context, userID uuid.UUID, limit int) ([]*models.SyncOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.selectLocked(limit, func(op *models.SyncOperation) bool {
		return op.UserID == userID && op.Status == models.StatusPending
	}), nil
}

func (r *MemoryOperationRepository) ReclaimStuck(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var n int64
	for _, op := range r.ops {
		if op.Status == models.StatusProcessing && op.ClaimedAt != nil && op.ClaimedAt.Before(now.Add(-leaseTimeout)) {
			op.Status = models.StatusPending
			op.ClaimedAt = nil
			op.NextAttemptAt = now
			op.UpdatedAt = now
			r.Transitions = append(r.Transitions, op.ID.String()+":"+string(op.Status))
			n++
		}
	}
	return n, nil
}

func (r *MemoryOperationRepository) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().AddDate(0, 0, -days)
	var n int64
	for id, op := range r.ops {
		if op.Status.Terminal() && op.UpdatedAt.Before(cutoff) {
			delete(r.ops, id)
			delete(r.seq, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryOperationRepository) transition(id uuid.UUID, from models.OperationStatus, apply func(op *models.SyncOperation, now time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok || op.Status != from {
		return repositories.ErrNotClaimable
	}

	now := r.clock.Now()
	apply(op, now)
	op.UpdatedAt = now
	r.Transitions = append(r.Transitions, id.String()+":"+string(op.Status))
	return nil
}

func (r *MemoryOperationRepository) selectLocked(limit int, match func(op *models.SyncOperation) bool) []*models.SyncOperation {
	var out []*models.SyncOperation
	for _, op := range r.ops {
		if match(op) {
			out = append(out, op)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return r.seq[out[i].ID] < r.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	for i, op := range out {
		out[i] = cloneOperation(op)
	}
	return out
}

func cloneOperation(op *models.SyncOperation) *models.SyncOperation {
	c := *op
	c.Payload = maps.Clone(op.Payload)
	c.Metadata = maps.Clone(op.Metadata)
	c.Result = maps.Clone(op.Result)
	if op.ClaimedAt != nil {
		t := *op.ClaimedAt
		c.ClaimedAt = &t
	}
	return &c
}
