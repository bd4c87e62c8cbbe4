// Package entities applies queued operations to the system-of-record tables.
package entities

import (
	"context"
	"errors"
	"fmt"

	"github.com/prudhvinik1/flowsync/internal/models"
)

var (
	// ErrUnsupportedOperation is a configuration defect, never a transient failure.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrOwnership            = errors.New("entity belongs to another user")
)

const (
	StatusCreated            = "created"
	StatusUpdated            = "updated"
	StatusDeleted            = "deleted"
	StatusAlreadyDeleted     = "already_deleted"
	StatusDuplicate          = "duplicate"
	StatusConflictServerWins = "conflict_server_wins"
	StatusConflictMerged     = "conflict_merged"
)

// Result is the small descriptor stored on a completed operation.
type Result struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (r Result) Map() map[string]any {
	return map[string]any{"id": r.ID, "status": r.Status}
}

// Handler applies one kind of mutation for one entity type.
type Handler interface {
	Create(ctx context.Context, op *models.SyncOperation) (Result, error)
	Update(ctx context.Context, op *models.SyncOperation) (Result, error)
	Delete(ctx context.Context, op *models.SyncOperation) (Result, error)
	Validate(kind models.OperationKind, payload map[string]any) error
}

// Dispatcher routes an operation to the handler of its entity type. It does
// no I/O of its own.
type Dispatcher struct {
	flows    Handler
	entries  Handler
	profiles Handler
	settings Handler
}

func NewDispatcher(flows, entries, profiles, settings Handler) *Dispatcher {
	return &Dispatcher{
		flows:    flows,
		entries:  entries,
		profiles: profiles,
		settings: settings,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, op *models.SyncOperation) (Result, error) {
	h, err := d.handlerFor(op.EntityType)
	if err != nil {
		return Result{}, err
	}

	switch op.Kind {
	case models.KindCreate:
		return h.Create(ctx, op)
	case models.KindUpdate:
		return h.Update(ctx, op)
	case models.KindDelete:
		return h.Delete(ctx, op)
	}
	return Result{}, fmt.Errorf("%w: %s %s", ErrUnsupportedOperation, op.Kind, op.EntityType)
}

// Validate checks a payload against the handler of its entity type without
// touching storage, so callers can reject malformed mutations up front.
func (d *Dispatcher) Validate(entityType models.EntityType, kind models.OperationKind, payload map[string]any) error {
	h, err := d.handlerFor(entityType)
	if err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %s %s", ErrUnsupportedOperation, kind, entityType)
	}
	return h.Validate(kind, payload)
}

func (d *Dispatcher) handlerFor(entityType models.EntityType) (Handler, error) {
	var h Handler
	switch entityType {
	case models.EntityFlow:
		h = d.flows
	case models.EntityFlowEntry:
		h = d.entries
	case models.EntityUserProfile:
		h = d.profiles
	case models.EntityUserSettings:
		h = d.settings
	}
	if h == nil {
		return nil, fmt.Errorf("%w: no handler for entity type %q", ErrUnsupportedOperation, entityType)
	}
	return h, nil
}
