package models

import (
	"time"

	"github.com/google/uuid"
)

type EntityType string

const (
	EntityFlow         EntityType = "flow"
	EntityFlowEntry    EntityType = "flow_entry"
	EntityUserProfile  EntityType = "user_profile"
	EntityUserSettings EntityType = "user_settings"
)

// EntityTypes lists every entity type the sync engine can apply.
var EntityTypes = []EntityType{EntityFlow, EntityFlowEntry, EntityUserProfile, EntityUserSettings}

func (t EntityType) Valid() bool {
	switch t {
	case EntityFlow, EntityFlowEntry, EntityUserProfile, EntityUserSettings:
		return true
	}
	return false
}

type OperationKind string

const (
	KindCreate OperationKind = "CREATE"
	KindUpdate OperationKind = "UPDATE"
	KindDelete OperationKind = "DELETE"
)

func (k OperationKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

// Terminal reports whether no further transition can leave this status.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SyncOperation is one queued mutation against one entity. Retries mutate
// the same row; a new row is only ever written by the enqueuer.
type SyncOperation struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Kind          OperationKind   `json:"kind"`
	Payload       map[string]any  `json:"payload"`
	Metadata      map[string]any  `json:"metadata"`
	Status        OperationStatus `json:"status"`
	RetryCount    int             `json:"retry_count"`
	Result        map[string]any  `json:"result,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type SyncStatus struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Add counts n rows of the given status into the totals.
func (s *SyncStatus) Add(status OperationStatus, n int64) {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusProcessing:
		s.Processing += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	default:
		return
	}
	s.Total += n
}
