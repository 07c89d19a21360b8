package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/codelia/codelia/pkg/models"
)

// Publisher broadcasts run events and status transitions via Postgres
// NOTIFY. Event notifications ride in the scheduler's own insert
// transaction, so a notification fires iff the event committed.
type Publisher struct {
	db *sql.DB
}

// NewPublisher wraps the shared database handle.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishRunEventTx notifies the run's channel within the caller's
// transaction. The notification is held until COMMIT.
func (p *Publisher) PublishRunEventTx(ctx context.Context, tx *sql.Tx, ev *models.RunEvent) error {
	payload, err := notifyPayload(ev)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_notify($1, $2)`, RunChannel(ev.RunID), string(payload)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// PublishRunStatusTx notifies the global runs channel of a status
// transition within the caller's transaction.
func (p *Publisher) PublishRunStatusTx(ctx context.Context, tx *sql.Tx, run *models.RunRecord) error {
	payload, err := json.Marshal(RunStatusPayload{
		Type:      RunStatusType,
		RunID:     run.RunID,
		SessionID: run.SessionID,
		Status:    string(run.Status),
	})
	if err != nil {
		return fmt.Errorf("failed to encode run status: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_notify($1, $2)`, GlobalRunsChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}
