package entities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/prudhvinik1/flowsync/internal/conflict"
	"github.com/prudhvinik1/flowsync/internal/models"
	"github.com/prudhvinik1/flowsync/internal/repositories"
)

const (
	metaClientTimestamp = "client_timestamp"
	metaBaseVersion     = "base_version"
	metaConflictType    = "conflict_type"
)

// DocumentHandler implements Handler for one entity type on top of a
// DocumentRepository. Every write stamps the operation id on the row so a
// redelivered operation is recognised and not applied twice.
type DocumentHandler struct {
	entityType models.EntityType
	repo       repositories.DocumentRepository
	resolver   *conflict.Resolver
	validate   validateFunc
	logger     *slog.Logger
}

func NewFlowHandler(repo repositories.DocumentRepository, resolver *conflict.Resolver, logger *slog.Logger) *DocumentHandler {
	return newDocumentHandler(models.EntityFlow, validateFlow, repo, resolver, logger)
}

func NewFlowEntryHandler(repo repositories.DocumentRepository, resolver *conflict.Resolver, logger *slog.Logger) *DocumentHandler {
	return newDocumentHandler(models.EntityFlowEntry, validateFlowEntry, repo, resolver, logger)
}

func NewProfileHandler(repo repositories.DocumentRepository, resolver *conflict.Resolver, logger *slog.Logger) *DocumentHandler {
	return newDocumentHandler(models.EntityUserProfile, validateProfile, repo, resolver, logger)
}

func NewSettingsHandler(repo repositories.DocumentRepository, resolver *conflict.Resolver, logger *slog.Logger) *DocumentHandler {
	return newDocumentHandler(models.EntityUserSettings, validateSettings, repo, resolver, logger)
}

func newDocumentHandler(entityType models.EntityType, validate validateFunc, repo repositories.DocumentRepository, resolver *conflict.Resolver, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = conflict.NewResolver(logger)
	}
	return &DocumentHandler{
		entityType: entityType,
		repo:       repo,
		resolver:   resolver,
		validate:   validate,
		logger:     logger.With("entity_type", entityType),
	}
}

func (h *DocumentHandler) Validate(kind models.OperationKind, payload map[string]any) error {
	return h.validate(kind, payload)
}

// Create behaves as an update when the entity already exists, so applying
// the same CREATE twice never produces two entities.
func (h *DocumentHandler) Create(ctx context.Context, op *models.SyncOperation) (Result, error) {
	return h.upsert(ctx, op)
}

// Update creates the entity when it does not exist yet: the client may have
// created it locally and only ever queued the edit.
func (h *DocumentHandler) Update(ctx context.Context, op *models.SyncOperation) (Result, error) {
	return h.upsert(ctx, op)
}

func (h *DocumentHandler) Delete(ctx context.Context, op *models.SyncOperation) (Result, error) {
	existing, err := h.repo.Get(ctx, op.EntityID)
	if errors.Is(err, repositories.ErrNotFound) {
		return Result{ID: op.EntityID, Status: StatusAlreadyDeleted}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if res, done, err := h.precheck(op, existing); done {
		return res, err
	}
	if existing.Deleted() {
		return Result{ID: existing.ID, Status: StatusAlreadyDeleted}, nil
	}

	if typ, ok := detectConflict(op, existing); ok {
		return h.resolve(ctx, op, existing, typ)
	}

	if err := h.repo.SoftDelete(ctx, existing.ID, existing.Version, op.ID); err != nil {
		return Result{}, fmt.Errorf("failed to delete %s: %w", h.entityType, err)
	}

	h.logger.Debug("entity deleted", "entity_id", existing.ID, "operation_id", op.ID)
	return Result{ID: existing.ID, Status: StatusDeleted}, nil
}

func (h *DocumentHandler) upsert(ctx context.Context, op *models.SyncOperation) (Result, error) {
	if err := h.Validate(op.Kind, op.Payload); err != nil {
		return Result{}, err
	}

	existing, err := h.repo.Get(ctx, op.EntityID)
	if errors.Is(err, repositories.ErrNotFound) {
		return h.create(ctx, op)
	}
	if err != nil {
		return Result{}, err
	}

	if res, done, err := h.precheck(op, existing); done {
		return res, err
	}

	if typ, ok := detectConflict(op, existing); ok {
		return h.resolve(ctx, op, existing, typ)
	}

	existing.Data = applyPatch(existing.Data, op.Payload)
	existing.LastOperationID = &op.ID
	existing.EditedAt = clientTime(op)
	if err := h.repo.Save(ctx, existing); err != nil {
		return Result{}, fmt.Errorf("failed to update %s: %w", h.entityType, err)
	}

	h.logger.Debug("entity updated", "entity_id", existing.ID, "operation_id", op.ID, "version", existing.Version)
	return Result{ID: existing.ID, Status: StatusUpdated}, nil
}

func (h *DocumentHandler) create(ctx context.Context, op *models.SyncOperation) (Result, error) {
	doc := &models.EntityDocument{
		ID:              op.EntityID,
		UserID:          op.UserID,
		Data:            models.StripTimestamps(op.Payload),
		LastOperationID: &op.ID,
		EditedAt:        clientTime(op),
	}
	if err := h.repo.Save(ctx, doc); err != nil {
		return Result{}, fmt.Errorf("failed to create %s: %w", h.entityType, err)
	}

	h.logger.Debug("entity created", "entity_id", doc.ID, "operation_id", op.ID)
	return Result{ID: doc.ID, Status: StatusCreated}, nil
}

// precheck rejects writes to another user's entity and short-circuits an
// operation that was already applied to this row.
func (h *DocumentHandler) precheck(op *models.SyncOperation, existing *models.EntityDocument) (Result, bool, error) {
	if existing.UserID != op.UserID {
		return Result{}, true, fmt.Errorf("%w: %s %s", ErrOwnership, h.entityType, existing.ID)
	}
	if existing.LastOperationID != nil && *existing.LastOperationID == op.ID {
		return Result{ID: existing.ID, Status: StatusDuplicate}, true, nil
	}
	return Result{}, false, nil
}

func (h *DocumentHandler) resolve(ctx context.Context, op *models.SyncOperation, existing *models.EntityDocument, typ conflict.Type) (Result, error) {
	res, err := h.resolver.Resolve(conflict.Conflict{
		EntityType: h.entityType,
		EntityID:   existing.ID,
		LocalData:  localData(op),
		ServerData: existing.Snapshot(),
		Type:       typ,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve %s conflict: %w", h.entityType, err)
	}

	switch res.Resolution {
	case conflict.ResolutionMerged:
		existing.Data = models.StripTimestamps(res.Data)
		existing.LastOperationID = &op.ID
		if err := h.repo.Save(ctx, existing); err != nil {
			return Result{}, fmt.Errorf("failed to save merged %s: %w", h.entityType, err)
		}
		return Result{ID: existing.ID, Status: StatusConflictMerged}, nil
	default:
		if err := h.repo.Touch(ctx, existing.ID, op.ID); err != nil {
			return Result{}, fmt.Errorf("failed to record %s conflict: %w", h.entityType, err)
		}
		return Result{ID: existing.ID, Status: StatusConflictServerWins}, nil
	}
}

// detectConflict decides whether the queued value may have been produced
// against an older server value. Clients may name the conflict type of a
// stale write in metadata; it is passed to the resolver verbatim. A write to
// a deleted row is always a deletion conflict, whatever the client says.
func detectConflict(op *models.SyncOperation, existing *models.EntityDocument) (conflict.Type, bool) {
	if existing.Deleted() && op.Kind != models.KindDelete {
		return conflict.TypeDeletion, true
	}

	hint, _ := op.Metadata[metaConflictType].(string)
	typeOr := func(def conflict.Type) conflict.Type {
		if hint != "" {
			return conflict.Type(hint)
		}
		return def
	}

	stale := typeOr(conflict.TypeData)
	if op.Kind == models.KindDelete {
		stale = typeOr(conflict.TypeTimestamp)
	}
	if v, ok := baseVersion(op.Metadata); ok && v != existing.Version {
		return stale, true
	}
	if ts, ok := conflict.ParseTimestamp(op.Metadata[metaClientTimestamp]); ok && ts.Before(existing.LastEdit()) {
		return stale, true
	}
	return "", false
}

// clientTime is the client edit time of op, or zero when it sent none.
func clientTime(op *models.SyncOperation) time.Time {
	ts, _ := conflict.ParseTimestamp(op.Metadata[metaClientTimestamp])
	return ts
}

func baseVersion(meta map[string]any) (int64, bool) {
	switch v := meta[metaBaseVersion].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// localData is the queued value as the resolver sees it. A client that did
// not send updated_at is assumed to have edited at its client timestamp.
func localData(op *models.SyncOperation) map[string]any {
	local := maps.Clone(op.Payload)
	if local == nil {
		local = make(map[string]any)
	}
	if _, ok := local[models.FieldUpdatedAt]; !ok {
		if ts, ok := op.Metadata[metaClientTimestamp]; ok {
			local[models.FieldUpdatedAt] = ts
		}
	}
	return local
}

func applyPatch(current, patch map[string]any) map[string]any {
	merged := maps.Clone(current)
	if merged == nil {
		merged = make(map[string]any)
	}
	maps.Copy(merged, models.StripTimestamps(patch))
	return merged
}
