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

// PostgresDocumentRepository stores one entity type. All four system-of-record
// tables share the same shape and differ only by name.
type PostgresDocumentRepository struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgresDocumentRepository(pool *pgxpool.Pool, entityType models.EntityType) (*PostgresDocumentRepository, error) {
	table, err := TableFor(entityType)
	if err != nil {
		return nil, err
	}
	return &PostgresDocumentRepository{pool: pool, table: table}, nil
}

// TableFor maps an entity type to its system-of-record table.
func TableFor(entityType models.EntityType) (string, error) {
	switch entityType {
	case models.EntityFlow:
		return "flows", nil
	case models.EntityFlowEntry:
		return "flow_entries", nil
	case models.EntityUserProfile:
		return "user_profiles", nil
	case models.EntityUserSettings:
		return "user_settings", nil
	}
	return "", fmt.Errorf("no table for entity type %q", entityType)
}

func (r *PostgresDocumentRepository) Get(ctx context.Context, id string) (*models.EntityDocument, error) {
	query := fmt.Sprintf(`SELECT id, user_id, data, version, last_operation_id, created_at, updated_at, edited_at, deleted_at
	          FROM %s
	          WHERE id = $1`, r.table)

	var doc models.EntityDocument
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&doc.ID,
		&doc.UserID,
		&doc.Data,
		&doc.Version,
		&doc.LastOperationID,
		&doc.CreatedAt,
		&doc.UpdatedAt,
		&doc.EditedAt,
		&doc.DeletedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s row: %w", r.table, err)
	}
	return &doc, nil
}

// Save creates the row when doc.Version is 0, otherwise updates it with
// optimistic locking on doc.Version. On success the version and timestamps
// on doc are refreshed.
func (r *PostgresDocumentRepository) Save(ctx context.Context, doc *models.EntityDocument) error {
	if doc.Version == 0 {
		return r.create(ctx, doc)
	}
	return r.update(ctx, doc)
}

func (r *PostgresDocumentRepository) create(ctx context.Context, doc *models.EntityDocument) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, data, version, last_operation_id, edited_at)
	          VALUES ($1, $2, $3, 1, $4, COALESCE($5::timestamptz, NOW()))
	          ON CONFLICT (id) DO NOTHING
	          RETURNING version, created_at, updated_at, edited_at`, r.table)

	err := r.pool.QueryRow(ctx, query,
		doc.ID,
		doc.UserID,
		doc.Data,
		doc.LastOperationID,
		editedAt(doc),
	).Scan(&doc.Version, &doc.CreatedAt, &doc.UpdatedAt, &doc.EditedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// Someone else created the row between our read and this insert.
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create %s row: %w", r.table, err)
	}
	return nil
}

func (r *PostgresDocumentRepository) update(ctx context.Context, doc *models.EntityDocument) error {
	query := fmt.Sprintf(`UPDATE %s
	          SET data = $1,
	              version = version + 1,
	              last_operation_id = $2,
	              edited_at = COALESCE($5::timestamptz, NOW()),
	              updated_at = NOW()
	          WHERE id = $3 AND version = $4
	          RETURNING version, updated_at, edited_at`, r.table)

	var newVersion int64
	err := r.pool.QueryRow(ctx, query,
		doc.Data,
		doc.LastOperationID,
		doc.ID,
		doc.Version,
		editedAt(doc),
	).Scan(&newVersion, &doc.UpdatedAt, &doc.EditedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update %s row: %w", r.table, err)
	}

	doc.Version = newVersion
	return nil
}

func (r *PostgresDocumentRepository) SoftDelete(ctx context.Context, id string, expectedVersion int64, operationID uuid.UUID) error {
	query := fmt.Sprintf(`UPDATE %s
	          SET deleted_at = NOW(), version = version + 1, last_operation_id = $2, edited_at = NOW(), updated_at = NOW()
	          WHERE id = $1 AND version = $3 AND deleted_at IS NULL`, r.table)

	result, err := r.pool.Exec(ctx, query, id, operationID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete %s row: %w", r.table, err)
	}

	if result.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Touch records that an operation was applied without changing the data,
// which is what a server-wins conflict resolution amounts to.
func (r *PostgresDocumentRepository) Touch(ctx context.Context, id string, operationID uuid.UUID) error {
	query := fmt.Sprintf(`UPDATE %s SET last_operation_id = $2 WHERE id = $1`, r.table)

	result, err := r.pool.Exec(ctx, query, id, operationID)
	if err != nil {
		return fmt.Errorf("failed to touch %s row: %w", r.table, err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// editedAt is the client edit time to store, or nil to let the database
// use the apply time.
func editedAt(doc *models.EntityDocument) *time.Time {
	if doc.EditedAt.IsZero() {
		return nil
	}
	t := doc.EditedAt
	return &t
}
