package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/flowsync/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrNotClaimable is returned when a conditional status transition finds
	// the row in a different status than expected, e.g. another worker
	// claimed it first.
	ErrNotClaimable = errors.New("operation is not in the expected status")

	// ErrVersionConflict is returned when optimistic locking fails
	ErrVersionConflict = errors.New("version conflict: entity was modified concurrently")

	ErrLockNotHeld = errors.New("lock not held")
)

type OperationRepository interface {
	Enqueue(ctx context.Context, op *models.SyncOperation) error
	// EnqueueBatch writes every operation or none of them.
	EnqueueBatch(ctx context.Context, ops []*models.SyncOperation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncOperation, error)
	ClaimPendingBatch(ctx context.Context, limit int) ([]*models.SyncOperation, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, result map[string]any) error
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, result map[string]any) error
	MarkPendingForRetry(ctx context.Context, id uuid.UUID, retryCount int, delay time.Duration, result map[string]any) error
	CountByStatus(ctx context.Context, userID uuid.UUID) (*models.SyncStatus, error)
	ListPending(ctx context.Context, userID uuid.UUID, limit int) ([]*models.SyncOperation, error)
	ReclaimStuck(ctx context.Context, leaseTimeout time.Duration) (int64, error)
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
}

type DocumentRepository interface {
	// Get returns the row even when it is soft deleted.
	Get(ctx context.Context, id string) (*models.EntityDocument, error)
	Save(ctx context.Context, doc *models.EntityDocument) error
	SoftDelete(ctx context.Context, id string, expectedVersion int64, operationID uuid.UUID) error
	Touch(ctx context.Context, id string, operationID uuid.UUID) error
}

type LockRepository interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}
