package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/flowsync/internal/models"
)

const operationColumns = `id, user_id, entity_type, entity_id, kind, payload, metadata, status,
	retry_count, result, next_attempt_at, claimed_at, created_at, updated_at`

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresOperationRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresOperationRepository(pool *pgxpool.Pool) *PostgresOperationRepository {
	return &PostgresOperationRepository{pool: pool}
}

// Enqueue inserts a new pending row. Status, retry count and timestamps are
// always set by the database, never by the caller.
func (r *PostgresOperationRepository) Enqueue(ctx context.Context, op *models.SyncOperation) error {
	return insertOperation(ctx, r.pool, op)
}

// EnqueueBatch inserts ops in one transaction, in slice order. A failure on
// any row leaves the table untouched, so a client may safely re-upload.
func (r *PostgresOperationRepository) EnqueueBatch(ctx context.Context, ops []*models.SyncOperation) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		if err := insertOperation(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit operation batch: %w", err)
	}
	return nil
}

func insertOperation(ctx context.Context, q rowQuerier, op *models.SyncOperation) error {
	query := `INSERT INTO sync_operations (id, user_id, entity_type, entity_id, kind, payload, metadata)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          RETURNING status, retry_count, next_attempt_at, created_at, updated_at`

	err := q.QueryRow(ctx, query,
		op.ID,
		op.UserID,
		op.EntityType,
		op.EntityID,
		op.Kind,
		op.Payload,
		op.Metadata,
	).Scan(&op.Status, &op.RetryCount, &op.NextAttemptAt, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return nil
}

func (r *PostgresOperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_operations WHERE id = $1`

	op, err := scanOperation(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// ClaimPendingBatch returns due pending rows in insertion order. It does not
// change their status; MarkProcessing is the exclusive claim.
//
// Order is by seq, not created_at: rows written in one transaction share
// the same NOW().
func (r *PostgresOperationRepository) ClaimPendingBatch(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + `
	          FROM sync_operations
	          WHERE status = 'pending' AND next_attempt_at <= NOW()
	          ORDER BY seq ASC
	          LIMIT $1`

	return r.queryOperations(ctx, query, limit)
}

func (r *PostgresOperationRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sync_operations
	          SET status = 'processing', claimed_at = NOW(), updated_at = NOW()
	          WHERE id = $1 AND status = 'pending'`

	return r.transition(ctx, "mark operation processing", query, id)
}

func (r *PostgresOperationRepository) MarkCompleted(ctx context.Context, id uuid.UUID, result map[string]any) error {
	query := `UPDATE sync_operations
	          SET status = 'completed', result = $2, claimed_at = NULL, updated_at = NOW()
	          WHERE id = $1 AND status = 'processing'`

	return r.transition(ctx, "mark operation completed", query, id, result)
}

func (r *PostgresOperationRepository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, result map[string]any) error {
	query := `UPDATE sync_operations
	          SET status = 'failed', retry_count = $2, result = $3, claimed_at = NULL, updated_at = NOW()
	          WHERE id = $1 AND status = 'processing'`

	return r.transition(ctx, "mark operation failed", query, id, retryCount, result)
}

// MarkPendingForRetry puts the row back in the queue; it becomes claimable
// again once delay has elapsed.
func (r *PostgresOperationRepository) MarkPendingForRetry(ctx context.Context, id uuid.UUID, retryCount int, delay time.Duration, result map[string]any) error {
	query := `UPDATE sync_operations
	          SET status = 'pending',
	              retry_count = $2,
	              result = $3,
	              next_attempt_at = NOW() + ($4::double precision * INTERVAL '1 millisecond'),
	              claimed_at = NULL,
	              updated_at = NOW()
	          WHERE id = $1 AND status = 'processing'`

	return r.transition(ctx, "reschedule operation", query, id, retryCount, result, delay.Milliseconds())
}

func (r *PostgresOperationRepository) CountByStatus(ctx context.Context, userID uuid.UUID) (*models.SyncStatus, error) {
	query := `SELECT status, COUNT(*) FROM sync_operations WHERE user_id = $1 GROUP BY status`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	status := &models.SyncStatus{}
	for rows.Next() {
		var s models.OperationStatus
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("failed to scan operation count: %w", err)
		}
		status.Add(s, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation counts: %w", err)
	}
	return status, nil
}

func (r *PostgresOperationRepository) ListPending(ctx context.Context, userID uuid.UUID, limit int) ([]*models.SyncOperation, error) {
	query := `SELECT ` + operationColumns + `
	          FROM sync_operations
	          WHERE user_id = $1 AND status = 'pending'
	          ORDER BY seq ASC
	          LIMIT $2`

	return r.queryOperations(ctx, query, userID, limit)
}

// ReclaimStuck returns rows whose processing lease expired to the queue.
// The retry count is left untouched: a crash is not a handler failure.
func (r *PostgresOperationRepository) ReclaimStuck(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	query := `UPDATE sync_operations
	          SET status = 'pending', claimed_at = NULL, next_attempt_at = NOW(), updated_at = NOW()
	          WHERE status = 'processing' AND claimed_at < NOW() - ($1::double precision * INTERVAL '1 millisecond')`

	result, err := r.pool.Exec(ctx, query, leaseTimeout.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck operations: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresOperationRepository) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	query := `DELETE FROM sync_operations
	          WHERE status IN ('completed', 'failed') AND updated_at < NOW() - make_interval(days => $1::int)`

	result, err := r.pool.Exec(ctx, query, days)
	if err != nil {
		return 0, fmt.Errorf("failed to purge operations: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresOperationRepository) transition(ctx context.Context, action, query string, args ...any) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

func (r *PostgresOperationRepository) queryOperations(ctx context.Context, query string, args ...any) ([]*models.SyncOperation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

func scanOperation(row pgx.Row) (*models.SyncOperation, error) {
	var op models.SyncOperation
	err := row.Scan(
		&op.ID,
		&op.UserID,
		&op.EntityType,
		&op.EntityID,
		&op.Kind,
		&op.Payload,
		&op.Metadata,
		&op.Status,
		&op.RetryCount,
		&op.Result,
		&op.NextAttemptAt,
		&op.ClaimedAt,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &op, nil
}
