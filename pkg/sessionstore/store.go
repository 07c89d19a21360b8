// Package sessionstore persists session conversation snapshots. Two
// implementations exist: a filesystem store (one JSON file per session with
// an SQLite summary index) and a Postgres store. Both only accept snapshot
// records at the current schema version.
package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/codelia/codelia/pkg/models"
)

// ErrStoreUnavailable wraps I/O failures so callers can distinguish "absent"
// from "backend broken".
var ErrStoreUnavailable = errors.New("session store unavailable")

// Store is the durable session-state contract. Load returns (nil, nil) for
// unknown sessions. Save must replace atomically; a reader never observes a
// partially written snapshot. Exactly one writer per session is assumed;
// the agent pool serializes saves through its run lock.
type Store interface {
	Load(ctx context.Context, sessionID string) (*models.SessionState, error)
	Save(ctx context.Context, state *models.SessionState) error
	List(ctx context.Context) ([]models.SessionSummary, error)
	Delete(ctx context.Context, sessionID string) (bool, error)
}

// validateForSave rejects states a store must never persist.
func validateForSave(state *models.SessionState) error {
	if state == nil {
		return fmt.Errorf("nil session state")
	}
	if state.SessionID == "" {
		return fmt.Errorf("session state has empty session_id")
	}
	if state.SchemaVersion != 0 && state.SchemaVersion != models.SessionStateSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d", state.SchemaVersion)
	}
	return nil
}

// summarize derives the listing row for a snapshot.
func summarize(state *models.SessionState) models.SessionSummary {
	return models.SessionSummary{
		SessionID:       state.SessionID,
		UpdatedAt:       state.UpdatedAt,
		RunID:           state.RunID,
		MessageCount:    len(state.Messages),
		LastUserMessage: state.LastUserMessage(),
	}
}
