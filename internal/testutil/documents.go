package testutil

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/prudhvinik1/flowsync/internal/models"
	"github.com/prudhvinik1/flowsync/internal/repositories"
)

type MemoryDocumentRepository struct {
	mu    sync.Mutex
	clock *Clock
	docs  map[string]*models.EntityDocument

	// Err, when set, is returned by every call.
	Err error
}

func NewMemoryDocumentRepository(clock *Clock) *MemoryDocumentRepository {
	return &MemoryDocumentRepository{
		clock: clock,
		docs:  make(map[string]*models.EntityDocument),
	}
}

func (r *MemoryDocumentRepository) Get(ctx context.Context, id string) (*models.EntityDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	doc, ok := r.docs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (r *MemoryDocumentRepository) Save(ctx context.Context, doc *models.EntityDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}

	now := r.clock.Now()
	current, exists := r.docs[doc.ID]
	if doc.Version == 0 {
		if exists {
			return repositories.ErrVersionConflict
		}
		doc.Version = 1
		doc.CreatedAt = now
		doc.UpdatedAt = now
		if doc.EditedAt.IsZero() {
			doc.EditedAt = now
		}
		r.docs[doc.ID] = cloneDocument(doc)
		return nil
	}

	if !exists || current.Version != doc.Version {
		return repositories.ErrVersionConflict
	}
	doc.Version++
	doc.UpdatedAt = now
	if doc.EditedAt.IsZero() {
		doc.EditedAt = now
	}
	doc.CreatedAt = current.CreatedAt
	doc.DeletedAt = current.DeletedAt
	r.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (r *MemoryDocumentRepository) SoftDelete(ctx context.Context, id string, expectedVersion int64, operationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	doc, ok := r.docs[id]
	if !ok || doc.Version != expectedVersion || doc.DeletedAt != nil {
		return repositories.ErrVersionConflict
	}

	now := r.clock.Now()
	doc.DeletedAt = &now
	doc.UpdatedAt = now
	doc.EditedAt = now
	doc.Version++
	doc.LastOperationID = &operationID
	return nil
}

func (r *MemoryDocumentRepository) Touch(ctx context.Context, id string, operationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	doc, ok := r.docs[id]
	if !ok {
		return repositories.ErrNotFound
	}
	doc.LastOperationID = &operationID
	return nil
}

// Put stages a row directly, keeping its timestamps and version.
func (r *MemoryDocumentRepository) Put(doc *models.EntityDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = cloneDocument(doc)
}

func (r *MemoryDocumentRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func cloneDocument(doc *models.EntityDocument) *models.EntityDocument {
	c := *doc
	c.Data = maps.Clone(doc.Data)
	if doc.LastOperationID != nil {
		id := *doc.LastOperationID
		c.LastOperationID = &id
	}
	if doc.DeletedAt != nil {
		t := *doc.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}
