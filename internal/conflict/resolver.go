// Package conflict merges a queued, locally produced entity value with the
// value already committed on the server.
package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/prudhvinik1/flowsync/internal/models"
)

var ErrUnknownConflictType = errors.New("unknown conflict type")

type Type string

const (
	TypeTimestamp Type = "timestamp_conflict"
	TypeDeletion  Type = "deletion_conflict"
	TypeData      Type = "data_conflict"
)

type Resolution string

const (
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerged     Resolution = "merged"
)

// Conflict describes a divergence between a queued value and the server value.
type Conflict struct {
	EntityType models.EntityType
	EntityID   string
	LocalData  map[string]any
	ServerData map[string]any
	Type       Type
}

type Result struct {
	Resolution Resolution
	Data       map[string]any
}

// Resolver is stateless; the same conflict always resolves to the same data.
type Resolver struct {
	logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

func (r *Resolver) Resolve(c Conflict) (*Result, error) {
	var result *Result

	switch c.Type {
	case TypeTimestamp, TypeDeletion:
		result = serverWins(c.ServerData)
	case TypeData:
		result = mergeData(c)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConflictType, c.Type)
	}

	r.logger.Info("conflict resolved",
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"conflict_type", c.Type,
		"resolution", result.Resolution,
	)
	return result, nil
}

func serverWins(server map[string]any) *Result {
	return &Result{Resolution: ResolutionServerWins, Data: cloneOrEmpty(server)}
}

func mergeData(c Conflict) *Result {
	var merged map[string]any

	switch c.EntityType {
	case models.EntityFlow:
		merged = preferLocal(c.LocalData, c.ServerData, "name", "description")
	case models.EntityFlowEntry:
		merged = mergeFlowEntry(c.LocalData, c.ServerData)
	case models.EntityUserProfile:
		merged = preferLocal(c.LocalData, c.ServerData, "display_name", "profile_theme")
	case models.EntityUserSettings:
		merged = mergeSettings(c.LocalData, c.ServerData)
	default:
		return serverWins(c.ServerData)
	}

	return &Result{Resolution: ResolutionMerged, Data: merged}
}

// preferLocal starts from the server value and lets the listed local fields
// through when the client sent them.
func preferLocal(local, server map[string]any, fields ...string) map[string]any {
	merged := cloneOrEmpty(server)
	for _, f := range fields {
		if v, ok := present(local, f); ok {
			merged[f] = v
		}
	}
	return merged
}

func mergeFlowEntry(local, server map[string]any) map[string]any {
	merged := cloneOrEmpty(server)

	if status, ok := present(local, "status"); ok && newer(local, server) {
		merged["status"] = status
	}
	if note, ok := present(local, "note"); ok {
		merged["note"] = note
	}
	return merged
}

// mergeSettings is a shallow merge where local keys override server keys,
// except for the timestamps which stay with the server.
func mergeSettings(local, server map[string]any) map[string]any {
	merged := cloneOrEmpty(server)
	for k, v := range local {
		if k == models.FieldCreatedAt || k == models.FieldUpdatedAt {
			continue
		}
		merged[k] = v
	}
	return merged
}

func cloneOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return maps.Clone(m)
}

func present(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// newer reports whether local.updated_at is strictly after server.updated_at.
// An unparseable local timestamp never wins.
func newer(local, server map[string]any) bool {
	lt, ok := ParseTimestamp(local[models.FieldUpdatedAt])
	if !ok {
		return false
	}
	st, ok := ParseTimestamp(server[models.FieldUpdatedAt])
	if !ok {
		return true
	}
	return lt.After(st)
}

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", time.DateOnly}

// ParseTimestamp accepts time.Time values and the string layouts clients send.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
