package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/flowsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueTestOperation(t *testing.T, ctx context.Context, repo *PostgresOperationRepository, userID uuid.UUID, entityID string) *models.SyncOperation {
	t.Helper()
	op := &models.SyncOperation{
		ID:         uuid.New(),
		UserID:     userID,
		EntityType: models.EntityFlow,
		EntityID:   entityID,
		Kind:       models.KindCreate,
		Payload:    map[string]any{"title": "Read"},
		Metadata:   map[string]any{"client_timestamp": "2024-01-01T00:00:00Z"},
	}
	require.NoError(t, repo.Enqueue(ctx, op))
	return op
}

func cleanupTestOperations(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID) {
	if _, err := pool.Exec(ctx, `DELETE FROM sync_operations WHERE user_id = $1`, userID); err != nil {
		t.Logf("Warning: failed to cleanup test operations: %v", err)
	}
}

func TestOperationRepository_Enqueue(t *testing.T) {
	// ARRANGE
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupTestOperations(t, ctx, pool, userID)

	// ACT
	op := enqueueTestOperation(t, ctx, repo, userID, "flow-1")

	// ASSERT: defaults come from the database
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, 0, op.RetryCount)
	assert.False(t, op.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "Read", got.Payload["title"])
	assert.Equal(t, "2024-01-01T00:00:00Z", got.Metadata["client_timestamp"])
	assert.Nil(t, got.Result)
	assert.Nil(t, got.ClaimedAt)
}

func TestOperationRepository_GetByID_NotFound(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)

	_, err := repo.GetByID(context.Background(), uuid.New())

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOperationRepository_Lifecycle(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupTestOperations(t, ctx, pool, userID)

	op := enqueueTestOperation(t, ctx, repo, userID, "flow-1")

	// Claim is exclusive
	require.NoError(t, repo.MarkProcessing(ctx, op.ID))
	assert.ErrorIs(t, repo.MarkProcessing(ctx, op.ID), ErrNotClaimable)

	got, err := repo.GetByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.NotNil(t, got.ClaimedAt)

	require.NoError(t, repo.MarkCompleted(ctx, op.ID, map[string]any{"id": "flow-1", "status": "created"}))

	// Terminal rows never change again
	assert.ErrorIs(t, repo.MarkFailed(ctx, op.ID, 3, map[string]any{"error": "late"}), ErrNotClaimable)
	assert.ErrorIs(t, repo.MarkPendingForRetry(ctx, op.ID, 1, time.Second, nil), ErrNotClaimable)
	assert.ErrorIs(t, repo.MarkProcessing(ctx, op.ID), ErrNotClaimable)

	got, err = repo.GetByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "created", got.Result["status"])
	assert.Nil(t, got.ClaimedAt)
}

func TestOperationRepository_RetryIsNotDueUntilDelayElapses(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupTestOperations(t, ctx, pool, userID)

	op := enqueueTestOperation(t, ctx, repo, userID, "flow-1")
	require.NoError(t, repo.MarkProcessing(ctx, op.ID))
	require.NoError(t, repo.MarkPendingForRetry(ctx, op.ID, 1, time.Hour, map[string]any{"error": "timeout"}))

	got, err := repo.GetByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "timeout", got.Result["error"])
	assert.True(t, got.NextAttemptAt.After(time.Now().Add(50*time.Minute)))

	batch, err := repo.ClaimPendingBatch(ctx, 1000)
	require.NoError(t, err)
	for _, claimed := range batch {
		assert.NotEqual(t, op.ID, claimed.ID, "rescheduled row must wait for its backoff")
	}
}

func TestOperationRepository_ClaimOrder(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupTestOperations(t, ctx, pool, userID)

	first := enqueueTestOperation(t, ctx, repo, userID, "a")
	second := enqueueTestOperation(t, ctx, repo, userID, "b")

	pending, err := repo.ListPending(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	batch, err := repo.ClaimPendingBatch(ctx, 1000)
	require.NoError(t, err)
	var ours []uuid.UUID
	for _, op := range batch {
		if op.UserID == userID {
			ours = append(ours, op.ID)
		}
	}
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, ours)
}

func TestOperationRepository_CountByStatus(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupTestOperations(t, ctx, pool, userID)

	done := enqueueTestOperation(t, ctx, repo, userID, "a")
	enqueueTestOperation(t, ctx, repo, userID, "b")
	failed := enqueueTestOperation(t, ctx, repo, userID, "c")

	require.NoError(t, repo.MarkProcessing(ctx, done.ID))
	require.NoError(t, repo.MarkCompleted(ctx, done.ID, nil))
	require.NoError(t, repo.MarkProcessing(ctx, failed.ID))
	require.NoError(t, repo.MarkFailed(ctx, failed.ID, 3, map[string]any{"error": "boom"}))

	status, err := repo.CountByStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, &models.SyncStatus{Total: 3, Pending: 1, Completed: 1, Failed: 1}, status)
}

func TestOperationRepository_ReclaimStuck(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupTestOperations(t, ctx, pool, userID)

	op := enqueueTestOperation(t, ctx, repo, userID, "a")
	require.NoError(t, repo.MarkProcessing(ctx, op.ID))
	_, err := pool.Exec(ctx, `UPDATE sync_operations SET claimed_at = NOW() - INTERVAL '10 minutes' WHERE id = $1`, op.ID)
	require.NoError(t, err)

	n, err := repo.ReclaimStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := repo.GetByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.ClaimedAt)
	assert.Equal(t, 0, got.RetryCount)
}

func TestOperationRepository_PurgeOlderThan(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupTestOperations(t, ctx, pool, userID)

	old := enqueueTestOperation(t, ctx, repo, userID, "a")
	require.NoError(t, repo.MarkProcessing(ctx, old.ID))
	require.NoError(t, repo.MarkCompleted(ctx, old.ID, nil))
	_, err := pool.Exec(ctx, `UPDATE sync_operations SET updated_at = NOW() - INTERVAL '40 days' WHERE id = $1`, old.ID)
	require.NoError(t, err)

	pending := enqueueTestOperation(t, ctx, repo, userID, "b")
	_, err = pool.Exec(ctx, `UPDATE sync_operations SET updated_at = NOW() - INTERVAL '40 days' WHERE id = $1`, pending.ID)
	require.NoError(t, err)

	_, err = repo.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)

	_, err = repo.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetByID(ctx, pending.ID)
	assert.NoError(t, err, "pending rows are never purged")
}

func TestOperationRepository_EnqueueBatchKeepsOrder(t *testing.T) {
	// ARRANGE: rows written in one transaction share created_at
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupTestOperations(t, ctx, pool, userID)

	var ops []*models.SyncOperation
	var want []uuid.UUID
	for i := 0; i < 8; i++ {
		op := &models.SyncOperation{
			ID:         uuid.New(),
			UserID:     userID,
			EntityType: models.EntityFlow,
			EntityID:   "flow-1",
			Kind:       models.KindUpdate,
			Payload:    map[string]any{"name": i},
			Metadata:   map[string]any{},
		}
		ops = append(ops, op)
		want = append(want, op.ID)
	}

	// ACT
	require.NoError(t, repo.EnqueueBatch(ctx, ops))

	// ASSERT
	assert.True(t, ops[0].CreatedAt.Equal(ops[len(ops)-1].CreatedAt))
	pending, err := repo.ListPending(ctx, userID, 100)
	require.NoError(t, err)
	var got []uuid.UUID
	for _, op := range pending {
		got = append(got, op.ID)
	}
	assert.Equal(t, want, got)
}

func TestOperationRepository_EnqueueBatchIsAtomic(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresOperationRepository(pool)
	ctx := context.Background()
	userID := uuid.New()
	defer cleanupTestOperations(t, ctx, pool, userID)

	first := &models.SyncOperation{
		ID: uuid.New(), UserID: userID, EntityType: models.EntityFlow, EntityID: "a",
		Kind: models.KindCreate, Payload: map[string]any{}, Metadata: map[string]any{},
	}
	// Same primary key as first: the second insert fails
	clash := *first

	err := repo.EnqueueBatch(ctx, []*models.SyncOperation{first, &clash})
	require.Error(t, err)

	status, err := repo.CountByStatus(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, status.Total, "the first row is rolled back")
}
