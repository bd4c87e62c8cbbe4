package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prudhvinik1/flowsync/internal/models"
	"github.com/prudhvinik1/flowsync/internal/repositories"
)

const (
	DefaultPendingLimit = 50
	MaxPendingLimit     = 500
)

var (
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrOperationNotFound = errors.New("operation not found")
)

// InvalidOperationError reports which field of a mutation was rejected.
type InvalidOperationError struct {
	Field  string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation: %s %s", e.Field, e.Reason)
}

func (e *InvalidOperationError) Unwrap() error {
	return ErrInvalidOperation
}

// OperationRequest is one mutation as uploaded by a client.
type OperationRequest struct {
	EntityType models.EntityType    `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	Kind       models.OperationKind `json:"kind"`
	Payload    map[string]any       `json:"payload"`
	Metadata   map[string]any       `json:"metadata"`
}

type PayloadValidator interface {
	Validate(entityType models.EntityType, kind models.OperationKind, payload map[string]any) error
}

// Processor is the background loop that drains the queue.
type Processor interface {
	Start(ctx context.Context) error
	Stop()
	Nudge()
}

type SyncService struct {
	ops       repositories.OperationRepository
	validator PayloadValidator
	processor Processor
	logger    *slog.Logger
}

// NewSyncService wires the enqueuer to the store. validator and processor
// may be nil.
func NewSyncService(ops repositories.OperationRepository, validator PayloadValidator, processor Processor, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		ops:       ops,
		validator: validator,
		processor: processor,
		logger:    logger.With("component", "sync_service"),
	}
}

// QueueOperation records one local mutation as a pending operation and
// returns its id. It never applies the mutation itself.
func (s *SyncService) QueueOperation(
	ctx context.Context,
	userID uuid.UUID,
	entityType models.EntityType,
	entityID string,
	kind models.OperationKind,
	payload map[string]any,
	metadata map[string]any,
) (uuid.UUID, error) {
	op, err := s.buildOperation(userID, OperationRequest{
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		Payload:    payload,
		Metadata:   metadata,
	})
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.ops.Enqueue(ctx, op); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	s.logger.Debug("operation queued",
		"operation_id", op.ID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"kind", op.Kind,
	)
	s.nudge()
	return op.ID, nil
}

// QueueOperations enqueues a client's local queue in order. Every request
// is validated first, and the rows are written all together or not at all.
func (s *SyncService) QueueOperations(ctx context.Context, userID uuid.UUID, reqs []OperationRequest) ([]uuid.UUID, error) {
	if len(reqs) == 0 {
		return nil, &InvalidOperationError{Field: "operations", Reason: "must not be empty"}
	}

	ops := make([]*models.SyncOperation, 0, len(reqs))
	for i, req := range reqs {
		op, err := s.buildOperation(userID, req)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}

	if err := s.ops.EnqueueBatch(ctx, ops); err != nil {
		return nil, fmt.Errorf("failed to enqueue operations: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}

	s.logger.Info("operation batch queued", "user_id", userID, "count", len(ids))
	s.nudge()
	return ids, nil
}

func (s *SyncService) GetSyncStatus(ctx context.Context, userID uuid.UUID) (*models.SyncStatus, error) {
	status, err := s.ops.CountByStatus(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	return status, nil
}

// GetPendingOperations lists the user's pending operations oldest first. A
// non-positive limit means DefaultPendingLimit.
func (s *SyncService) GetPendingOperations(ctx context.Context, userID uuid.UUID, limit int) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	if limit > MaxPendingLimit {
		limit = MaxPendingLimit
	}

	ops, err := s.ops.ListPending(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	return ops, nil
}

// GetOperation returns one operation. Operations of other users are
// reported as not found.
func (s *SyncService) GetOperation(ctx context.Context, userID, id uuid.UUID) (*models.SyncOperation, error) {
	op, err := s.ops.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	if op.UserID != userID {
		return nil, ErrOperationNotFound
	}
	return op, nil
}

func (s *SyncService) StartProcessing(ctx context.Context) error {
	if s.processor == nil {
		return errors.New("no processor configured")
	}
	return s.processor.Start(ctx)
}

func (s *SyncService) StopProcessing() {
	if s.processor != nil {
		s.processor.Stop()
	}
}

func (s *SyncService) buildOperation(userID uuid.UUID, req OperationRequest) (*models.SyncOperation, error) {
	if userID == uuid.Nil {
		return nil, &InvalidOperationError{Field: "user_id", Reason: "is required"}
	}
	if !req.EntityType.Valid() {
		return nil, &InvalidOperationError{Field: "entity_type", Reason: fmt.Sprintf("%q is not supported", req.EntityType)}
	}
	if !req.Kind.Valid() {
		return nil, &InvalidOperationError{Field: "kind", Reason: fmt.Sprintf("%q is not supported", req.Kind)}
	}

	entityID := req.EntityID
	if entityID == "" {
		if req.Kind != models.KindCreate {
			return nil, &InvalidOperationError{Field: "entity_id", Reason: "is required"}
		}
		entityID = uuid.New().String()
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	if s.validator != nil {
		if err := s.validator.Validate(req.EntityType, req.Kind, payload); err != nil {
			return nil, &InvalidOperationError{Field: "payload", Reason: err.Error()}
		}
	}

	return &models.SyncOperation{
		ID:         uuid.New(),
		UserID:     userID,
		EntityType: req.EntityType,
		EntityID:   entityID,
		Kind:       req.Kind,
		Payload:    payload,
		Metadata:   metadata,
		Status:     models.StatusPending,
	}, nil
}

func (s *SyncService) nudge() {
	if s.processor != nil {
		s.processor.Nudge()
	}
}
