package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

const (
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldEditedAt  = "edited_at"
)

// EntityDocument is the system-of-record row for a flow, flow entry, profile
// or settings object. Data never carries the timestamps; the row owns them.
type EntityDocument struct {
	ID              string         `json:"id"`
	UserID          uuid.UUID      `json:"user_id"`
	Data            map[string]any `json:"data"`
	Version         int64          `json:"version"`
	LastOperationID *uuid.UUID     `json:"last_operation_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	// EditedAt is when the change now stored was made on the client. It
	// differs from UpdatedAt when an offline edit is applied later.
	EditedAt        time.Time      `json:"edited_at"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
}

func (d *EntityDocument) Deleted() bool {
	return d.DeletedAt != nil
}

// LastEdit is the time staleness is judged against: the client edit time
// when known, the apply time otherwise.
func (d *EntityDocument) LastEdit() time.Time {
	if d.EditedAt.IsZero() {
		return d.UpdatedAt
	}
	return d.EditedAt
}

// Snapshot returns the document as the server-side value of a conflict,
// with the row timestamps folded back in.
func (d *EntityDocument) Snapshot() map[string]any {
	snap := maps.Clone(d.Data)
	if snap == nil {
		snap = make(map[string]any)
	}
	snap["id"] = d.ID
	snap[FieldCreatedAt] = d.CreatedAt.UTC().Format(time.RFC3339Nano)
	snap[FieldUpdatedAt] = d.LastEdit().UTC().Format(time.RFC3339Nano)
	return snap
}

// StripTimestamps copies data without the keys the row owns.
func StripTimestamps(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch k {
		case FieldCreatedAt, FieldUpdatedAt, FieldEditedAt, "deleted_at", "id":
			continue
		}
		out[k] = v
	}
	return out
}
