package entities

import (
	"fmt"

	"github.com/prudhvinik1/flowsync/internal/models"
)

type validateFunc func(kind models.OperationKind, payload map[string]any) error

var entryStatuses = map[string]bool{
	"done":    true,
	"missed":  true,
	"skipped": true,
	"pending": true,
}

func validateFlow(kind models.OperationKind, payload map[string]any) error {
	for _, field := range []string{"name", "title", "description"} {
		if err := optionalString(payload, field); err != nil {
			return err
		}
	}
	return nil
}

func validateFlowEntry(kind models.OperationKind, payload map[string]any) error {
	if kind == models.KindCreate {
		if id, _ := payload["flow_id"].(string); id == "" {
			return fmt.Errorf("%w: flow_id is required", ErrInvalidPayload)
		}
	}
	if v, ok := payload["status"]; ok && v != nil {
		s, isString := v.(string)
		if !isString || !entryStatuses[s] {
			return fmt.Errorf("%w: unknown entry status %v", ErrInvalidPayload, v)
		}
	}
	return optionalString(payload, "note")
}

func validateProfile(kind models.OperationKind, payload map[string]any) error {
	for _, field := range []string{"display_name", "profile_theme"} {
		if err := optionalString(payload, field); err != nil {
			return err
		}
	}
	return nil
}

func validateSettings(kind models.OperationKind, payload map[string]any) error {
	if kind != models.KindDelete && len(payload) == 0 {
		return fmt.Errorf("%w: settings payload is empty", ErrInvalidPayload)
	}
	return nil
}

func optionalString(payload map[string]any, field string) error {
	v, ok := payload[field]
	if !ok || v == nil {
		return nil
	}
	if _, isString := v.(string); !isString {
		return fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, field)
	}
	return nil
}
