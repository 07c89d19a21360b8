package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codelia/codelia/pkg/models"
)

// PostgresStore keeps one jsonb snapshot row per session. Summary columns
// are denormalized at save time so listing never unpacks message arrays.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The session_states table
// is created by the shared migrations (pkg/database).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM session_states WHERE session_id = $1`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading snapshot: %v", ErrStoreUnavailable, err)
	}
	return decodeState(data)
}

func (s *PostgresStore) Save(ctx context.Context, state *models.SessionState) error {
	if err := validateForSave(state); err != nil {
		return err
	}
	snapshot := *state
	snapshot.SchemaVersion = models.SessionStateSchemaVersion
	snapshot.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	summary := summarize(&snapshot)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_states (session_id, state, updated_at, run_id, message_count, last_user_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at,
			run_id = EXCLUDED.run_id,
			message_count = EXCLUDED.message_count,
			last_user_message = EXCLUDED.last_user_message`,
		snapshot.SessionID, data, snapshot.UpdatedAt, summary.RunID,
		summary.MessageCount, summary.LastUserMessage)
	if err != nil {
		return fmt.Errorf("%w: saving snapshot: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, updated_at, run_id, message_count, last_user_message
		FROM session_states
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing snapshots: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var summaries []models.SessionSummary
	for rows.Next() {
		var s models.SessionSummary
		if err := rows.Scan(&s.SessionID, &s.UpdatedAt, &s.RunID, &s.MessageCount, &s.LastUserMessage); err != nil {
			return nil, fmt.Errorf("%w: scanning snapshot row: %v", ErrStoreUnavailable, err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing snapshots: %v", ErrStoreUnavailable, err)
	}
	return summaries, nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_states WHERE session_id = $1`, sessionID)
	if err != nil {
		return false, fmt.Errorf("%w: deleting snapshot: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: deleting snapshot: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}
