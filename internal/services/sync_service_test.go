package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/flowsync/internal/conflict"
	"github.com/prudhvinik1/flowsync/internal/entities"
	"github.com/prudhvinik1/flowsync/internal/models"
	"github.com/prudhvinik1/flowsync/internal/testutil"
	"github.com/prudhvinik1/flowsync/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)

type fakeProcessor struct {
	started int
	stopped int
	nudges  int
}

func (p *fakeProcessor) Start(ctx context.Context) error { p.started++; return nil }
func (p *fakeProcessor) Stop()                           { p.stopped++ }
func (p *fakeProcessor) Nudge()                          { p.nudges++ }

type rejectAll struct{}

func (rejectAll) Validate(models.EntityType, models.OperationKind, map[string]any) error {
	return fmt.Errorf("%w: status must be one of done, missed, skipped, pending", entities.ErrInvalidPayload)
}

type failingEnqueue struct {
	*testutil.MemoryOperationRepository
}

func (failingEnqueue) Enqueue(context.Context, *models.SyncOperation) error {
	return errors.New("connection refused")
}

func newTestService(t *testing.T) (*SyncService, *testutil.MemoryOperationRepository, *fakeProcessor) {
	t.Helper()
	ops := testutil.NewMemoryOperationRepository(testutil.NewClock(testStart))
	proc := &fakeProcessor{}
	return NewSyncService(ops, nil, proc, nil), ops, proc
}

func TestSyncService_QueueOperation(t *testing.T) {
	// ARRANGE
	svc, ops, proc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	// ACT
	id, err := svc.QueueOperation(ctx, userID, models.EntityFlow, "flow-1", models.KindCreate,
		map[string]any{"title": "Read"}, map[string]any{"client_timestamp": "2024-03-04T08:00:00Z"})

	// ASSERT
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, 1, proc.nudges, "enqueue wakes the worker")

	op, err := ops.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, 0, op.RetryCount)
	assert.Equal(t, userID, op.UserID)
	assert.Equal(t, "flow-1", op.EntityID)
	assert.Equal(t, "Read", op.Payload["title"])
}

func TestSyncService_QueueOperation_Defaults(t *testing.T) {
	svc, ops, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.QueueOperation(ctx, uuid.New(), models.EntityFlow, "", models.KindCreate, nil, nil)
	require.NoError(t, err)

	op, err := ops.GetByID(ctx, id)
	require.NoError(t, err)
	_, parseErr := uuid.Parse(op.EntityID)
	assert.NoError(t, parseErr, "an empty entity id on create gets a fresh uuid")
	assert.NotNil(t, op.Payload)
	assert.NotNil(t, op.Metadata)
}

func TestSyncService_QueueOperation_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		userID     uuid.UUID
		entityType models.EntityType
		entityID   string
		kind       models.OperationKind
		field      string
	}{
		{"missing user", uuid.Nil, models.EntityFlow, "f", models.KindCreate, "user_id"},
		{"unknown entity type", uuid.New(), "journal", "f", models.KindCreate, "entity_type"},
		{"unknown kind", uuid.New(), models.EntityFlow, "f", "UPSERT", "kind"},
		{"update without id", uuid.New(), models.EntityFlow, "", models.KindUpdate, "entity_id"},
		{"delete without id", uuid.New(), models.EntityFlow, "", models.KindDelete, "entity_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ops, proc := newTestService(t)

			_, err := svc.QueueOperation(context.Background(), tt.userID, tt.entityType, tt.entityID, tt.kind, map[string]any{"title": "x"}, nil)

			require.ErrorIs(t, err, ErrInvalidOperation)
			var invalid *InvalidOperationError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
			assert.Equal(t, 0, proc.nudges)

			status, err := ops.CountByStatus(context.Background(), tt.userID)
			require.NoError(t, err)
			assert.Zero(t, status.Total, "nothing is written")
		})
	}
}

func TestSyncService_QueueOperation_PayloadValidator(t *testing.T) {
	ops := testutil.NewMemoryOperationRepository(testutil.NewClock(testStart))
	svc := NewSyncService(ops, rejectAll{}, nil, nil)

	_, err := svc.QueueOperation(context.Background(), uuid.New(), models.EntityFlowEntry, "e1", models.KindUpdate,
		map[string]any{"status": "maybe"}, nil)

	require.ErrorIs(t, err, ErrInvalidOperation)
	assert.Contains(t, err.Error(), "status must be one of")
}

func TestSyncService_QueueOperation_StoreError(t *testing.T) {
	ops := failingEnqueue{testutil.NewMemoryOperationRepository(testutil.NewClock(testStart))}
	svc := NewSyncService(ops, nil, nil, nil)

	_, err := svc.QueueOperation(context.Background(), uuid.New(), models.EntityFlow, "f", models.KindCreate, nil, nil)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidOperation)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSyncService_QueueOperations_AllOrNothing(t *testing.T) {
	svc, ops, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.QueueOperations(ctx, userID, []OperationRequest{
		{EntityType: models.EntityFlow, EntityID: "f1", Kind: models.KindCreate},
		{EntityType: models.EntityFlow, EntityID: "f1", Kind: "RENAME"},
	})
	require.ErrorIs(t, err, ErrInvalidOperation)
	assert.Contains(t, err.Error(), "operation 1")

	status, err := ops.CountByStatus(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, status.Total)
}

func TestSyncService_QueueOperations_StoreFailureWritesNothing(t *testing.T) {
	// ARRANGE: the store rejects the second row of the upload
	svc, ops, proc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	ops.EnqueueErr = func(op *models.SyncOperation) error {
		if op.EntityID == "f2" {
			return errors.New("connection reset")
		}
		return nil
	}
	upload := []OperationRequest{
		{EntityType: models.EntityFlow, EntityID: "f1", Kind: models.KindCreate, Payload: map[string]any{"name": "Run"}},
		{EntityType: models.EntityFlow, EntityID: "f2", Kind: models.KindCreate, Payload: map[string]any{"name": "Read"}},
	}

	// ACT
	ids, err := svc.QueueOperations(ctx, userID, upload)

	// ASSERT
	require.Error(t, err)
	assert.Nil(t, ids)
	assert.Equal(t, 0, proc.nudges)
	status, err := ops.CountByStatus(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, status.Total, "a failed upload leaves no rows behind")

	// The client re-uploads the same queue once the store recovers
	ops.EnqueueErr = nil
	ids, err = svc.QueueOperations(ctx, userID, upload)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	status, err = ops.CountByStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.Total, "one row per mutation")
}

func TestSyncService_QueueOperations_PreservesOrder(t *testing.T) {
	svc, ops, proc := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	ids, err := svc.QueueOperations(ctx, userID, []OperationRequest{
		{EntityType: models.EntityFlow, EntityID: "f1", Kind: models.KindCreate, Payload: map[string]any{"name": "Run"}},
		{EntityType: models.EntityFlow, EntityID: "f1", Kind: models.KindUpdate, Payload: map[string]any{"name": "Run daily"}},
		{EntityType: models.EntityFlow, EntityID: "f1", Kind: models.KindDelete},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, 1, proc.nudges)

	pending, err := ops.ListPending(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, op := range pending {
		assert.Equal(t, ids[i], op.ID)
	}
}

func TestSyncService_QueueOperations_Empty(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.QueueOperations(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestSyncService_GetPendingOperations_Limit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < DefaultPendingLimit+5; i++ {
		_, err := svc.QueueOperation(ctx, userID, models.EntityFlow, fmt.Sprintf("f%d", i), models.KindCreate, nil, nil)
		require.NoError(t, err)
	}

	ops, err := svc.GetPendingOperations(ctx, userID, 0)
	require.NoError(t, err)
	assert.Len(t, ops, DefaultPendingLimit)

	ops, err = svc.GetPendingOperations(ctx, userID, 3)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
	assert.Equal(t, "f0", ops[0].EntityID)

	ops, err = svc.GetPendingOperations(ctx, userID, 10_000)
	require.NoError(t, err)
	assert.Len(t, ops, DefaultPendingLimit+5)

	ops, err = svc.GetPendingOperations(ctx, uuid.New(), 10)
	require.NoError(t, err)
	assert.NotNil(t, ops)
	assert.Empty(t, ops)
}

func TestSyncService_GetOperation_Ownership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	owner := uuid.New()

	id, err := svc.QueueOperation(ctx, owner, models.EntityUserSettings, "settings", models.KindUpdate, map[string]any{"theme": "dark"}, nil)
	require.NoError(t, err)

	op, err := svc.GetOperation(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, id, op.ID)

	_, err = svc.GetOperation(ctx, uuid.New(), id)
	assert.ErrorIs(t, err, ErrOperationNotFound)

	_, err = svc.GetOperation(ctx, owner, uuid.New())
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestSyncService_StartStopProcessing(t *testing.T) {
	svc, _, proc := newTestService(t)

	require.NoError(t, svc.StartProcessing(context.Background()))
	svc.StopProcessing()

	assert.Equal(t, 1, proc.started)
	assert.Equal(t, 1, proc.stopped)

	bare := NewSyncService(testutil.NewMemoryOperationRepository(testutil.NewClock(testStart)), nil, nil, nil)
	assert.Error(t, bare.StartProcessing(context.Background()))
	bare.StopProcessing()
}

// End to end on in-memory storage: queue, one worker tick, status.
func TestSyncService_FlowCreateIsAppliedByWorker(t *testing.T) {
	clock := testutil.NewClock(testStart)
	ops := testutil.NewMemoryOperationRepository(clock)
	flows := testutil.NewMemoryDocumentRepository(clock)
	resolver := conflict.NewResolver(nil)
	dispatcher := entities.NewDispatcher(
		entities.NewFlowHandler(flows, resolver, nil),
		entities.NewFlowEntryHandler(testutil.NewMemoryDocumentRepository(clock), resolver, nil),
		entities.NewProfileHandler(testutil.NewMemoryDocumentRepository(clock), resolver, nil),
		entities.NewSettingsHandler(testutil.NewMemoryDocumentRepository(clock), resolver, nil),
	)
	w := worker.New(ops, dispatcher, worker.DefaultConfig(), worker.WithClock(clock.Now))
	svc := NewSyncService(ops, dispatcher, w, nil)
	ctx := context.Background()
	userID := uuid.New()

	id, err := svc.QueueOperation(ctx, userID, models.EntityFlow, "f-read", models.KindCreate, map[string]any{"title": "Read"}, nil)
	require.NoError(t, err)

	n, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := svc.GetSyncStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, &models.SyncStatus{Total: 1, Completed: 1}, status)

	op, err := svc.GetOperation(ctx, userID, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "f-read", "status": entities.StatusCreated}, op.Result)

	doc, err := flows.Get(ctx, "f-read")
	require.NoError(t, err)
	assert.Equal(t, "Read", doc.Data["title"])
	assert.Equal(t, userID, doc.UserID)
}
