package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/events"
	"github.com/codelia/codelia/pkg/models"
)

// maxSeqRetries bounds retries when two appenders race the same seq. The
// run lock makes this rare; it only happens around lease takeovers.
const maxSeqRetries = 6

const runColumns = `run_id, session_id, status, input_text, created_at,
	started_at, finished_at, cancel_requested_at, error_message, final_output, owner_id, lease_until`

// pgStore is the SQL layer of the Postgres backend. The publisher is
// optional; when present, event inserts NOTIFY in the same transaction.
type pgStore struct {
	db        *sql.DB
	publisher *events.Publisher
}

func (s *pgStore) createRun(ctx context.Context, sessionID, message string) (*models.RunRecord, error) {
	run := &models.RunRecord{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		Status:    models.RunStatusQueued,
		InputText: message,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, status, input_text, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		run.RunID, run.SessionID, string(run.Status), run.InputText, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	if s.publisher != nil {
		if err := s.publisher.PublishRunStatusTx(ctx, tx, run); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run insert: %w", err)
	}
	return run, nil
}

func (s *pgStore) getRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *pgStore) listRuns(ctx context.Context, filter RunFilter) ([]*models.RunRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, run_id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *pgStore) listEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.RunEvent, error) {
	if limit <= 0 {
		limit = DefaultEventBatch
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, event_type, payload, created_at
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	var out []*models.RunEvent
	for rows.Next() {
		var (
			ev   models.RunEvent
			data []byte
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		// Distinguish an empty tail from a missing run.
		if _, err := s.getRun(ctx, runID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// requestCancel files the cancel marker. The COALESCE keeps the first
// request's timestamp when cancels race.
func (s *pgStore) requestCancel(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET cancel_requested_at = COALESCE(cancel_requested_at, now())
		WHERE run_id = $1`, runID)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *pgStore) cancelRequested(ctx context.Context, runID string) (bool, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested_at FROM runs WHERE run_id = $1`, runID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to check cancel marker: %w", err)
	}
	return at.Valid, nil
}

// claimNext claims the oldest eligible run with SKIP LOCKED. Eligible means
// queued, or running with an expired lease (a dead worker's run). Two passes
// keep sessions sticky: runs in sessions this worker already leases are
// claimed first, then runs in sessions nobody holds.
func (s *pgStore) claimNext(ctx context.Context, workerID string, leaseDur, stickyTTL time.Duration) (*models.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM worker_session_leases WHERE lease_until < now()`); err != nil {
		return nil, fmt.Errorf("failed to expire session leases: %w", err)
	}

	eligible := `(r.status = 'queued' OR (r.status = 'running' AND r.lease_until < now()))`

	row := tx.QueryRowContext(ctx, `
		SELECT r.run_id FROM runs r
		JOIN worker_session_leases l ON l.session_id = r.session_id
		WHERE l.worker_id = $1 AND `+eligible+`
		ORDER BY r.created_at
		LIMIT 1
		FOR UPDATE OF r SKIP LOCKED`, workerID)
	var runID string
	err = row.Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		// No sticky work; take any run whose session is unleased (or ours).
		row = tx.QueryRowContext(ctx, `
			SELECT r.run_id FROM runs r
			LEFT JOIN worker_session_leases l ON l.session_id = r.session_id
			WHERE (l.session_id IS NULL OR l.worker_id = $1) AND `+eligible+`
			ORDER BY r.created_at
			LIMIT 1
			FOR UPDATE OF r SKIP LOCKED`, workerID)
		err = row.Scan(&runID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRunsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable run: %w", err)
	}

	now := time.Now().UTC()
	row = tx.QueryRowContext(ctx, `
		UPDATE runs
		SET status = 'running',
		    owner_id = $1,
		    lease_until = $2,
		    started_at = COALESCE(started_at, $3)
		WHERE run_id = $4
		RETURNING `+runColumns,
		workerID, now.Add(leaseDur), now, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO worker_session_leases (session_id, worker_id, lease_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE
		SET worker_id = EXCLUDED.worker_id, lease_until = EXCLUDED.lease_until,
		    updated_at = now()`,
		run.SessionID, workerID, now.Add(stickyTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to take session lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return run, nil
}

// renewLeases extends both the run lease and the session lease. Zero rows
// on either update means another worker took over: ErrLeaseLost.
func (s *pgStore) renewLeases(ctx context.Context, run *models.RunRecord, workerID string, leaseDur, stickyTTL time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin renewal transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET lease_until = $1
		WHERE run_id = $2 AND owner_id = $3 AND status = 'running'`,
		now.Add(leaseDur), run.RunID, workerID)
	if err != nil {
		return fmt.Errorf("failed to renew run lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE worker_session_leases SET lease_until = $1, updated_at = now()
		WHERE session_id = $2 AND worker_id = $3`,
		now.Add(stickyTTL), run.SessionID, workerID)
	if err != nil {
		return fmt.Errorf("failed to renew session lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	return tx.Commit()
}

// appendEvent inserts the next event. Seq is assigned inside the insert as
// max+1 for the run; the primary key turns concurrent appends into a
// retryable conflict instead of a gap or duplicate.
func (s *pgStore) appendEvent(ctx context.Context, runID, eventType string, data map[string]any) (*models.RunEvent, error) {
	payload, err := encodeEventData(data)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		ev, err := s.tryAppendEvent(ctx, runID, eventType, payload, data)
		if err == nil {
			return ev, nil
		}
		if isUniqueViolation(err) && attempt < maxSeqRetries {
			continue
		}
		return nil, err
	}
}

func (s *pgStore) tryAppendEvent(ctx context.Context, runID, eventType string, payload []byte, data map[string]any) (*models.RunEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ev, err := insertEventTx(ctx, tx, runID, eventType, payload, data)
	if err != nil {
		return nil, err
	}
	if s.publisher != nil {
		if err := s.publisher.PublishRunEventTx(ctx, tx, ev); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event append: %w", err)
	}
	return ev, nil
}

// insertEventTx appends one event within the caller's transaction. Zero rows
// means the run is gone or already terminal; the caller-visible error
// distinguishes the two.
func insertEventTx(ctx context.Context, tx *sql.Tx, runID, eventType string, payload []byte, data map[string]any) (*models.RunEvent, error) {
	ev := &models.RunEvent{
		RunID:     runID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO run_events (run_id, seq, event_type, payload, created_at)
		SELECT r.run_id,
		       COALESCE((SELECT MAX(e.seq) FROM run_events e WHERE e.run_id = r.run_id), -1) + 1,
		       $2, $3, $4
		FROM runs r
		WHERE r.run_id = $1 AND r.status IN ('queued', 'running')
		RETURNING seq`,
		runID, eventType, payload, ev.CreatedAt).Scan(&ev.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		var status string
		statusErr := tx.QueryRowContext(ctx,
			`SELECT status FROM runs WHERE run_id = $1`, runID).Scan(&status)
		if errors.Is(statusErr, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		if statusErr != nil {
			return nil, fmt.Errorf("failed to check run status: %w", statusErr)
		}
		return nil, fmt.Errorf("%w: status %s", ErrRunTerminal, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	return ev, nil
}

// finishRun appends the trailing events and flips the run terminal in one
// transaction, guarded by ownership. Zero rows on the status update means
// the lease moved while we were finishing: ErrLeaseLost.
func (s *pgStore) finishRun(ctx context.Context, run *models.RunRecord, workerID string, status models.RunStatus, finalOutput, errMsg string, trailing []agent.Event) error {
	for attempt := 0; ; attempt++ {
		err := s.tryFinishRun(ctx, run, workerID, status, finalOutput, errMsg, trailing)
		if isUniqueViolation(err) && attempt < maxSeqRetries {
			continue
		}
		return err
	}
}

func (s *pgStore) tryFinishRun(ctx context.Context, run *models.RunRecord, workerID string, status models.RunStatus, finalOutput, errMsg string, trailing []agent.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finish transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var appended []*models.RunEvent
	for _, tev := range trailing {
		payload, err := encodeEventData(tev.Data)
		if err != nil {
			return err
		}
		ev, err := insertEventTx(ctx, tx, run.RunID, tev.Type, payload, tev.Data)
		if err != nil {
			return err
		}
		appended = append(appended, ev)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = $1,
		    finished_at = now(),
		    owner_id = NULL,
		    lease_until = NULL,
		    error_message = NULLIF($2, ''),
		    final_output = NULLIF($3, '')
		WHERE run_id = $4 AND owner_id = $5 AND status = 'running'`,
		string(status), errMsg, finalOutput, run.RunID, workerID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	if s.publisher != nil {
		for _, ev := range appended {
			if err := s.publisher.PublishRunEventTx(ctx, tx, ev); err != nil {
				return err
			}
		}
		terminal := *run
		terminal.Status = status
		if err := s.publisher.PublishRunStatusTx(ctx, tx, &terminal); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finish: %w", err)
	}
	return nil
}

// requeueOrphans returns runs this worker id left in "running" (a previous
// process that died mid-run) to the queue.
func (s *pgStore) requeueOrphans(ctx context.Context, workerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = 'queued', owner_id = NULL, lease_until = NULL
		WHERE owner_id = $1 AND status = 'running'`, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphaned runs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// deleteTerminalRunsBefore removes finished runs older than cutoff. Their
// events go with them via the foreign key cascade.
func (s *pgStore) deleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND finished_at IS NOT NULL
		  AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	return res.RowsAffected()
}

// purgeExpiredSessionLeases drops sticky leases past their expiry. Claiming
// already ignores expired rows, so this is purely a space reclaim.
func (s *pgStore) purgeExpiredSessionLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM worker_session_leases
		WHERE lease_until < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired session leases: %w", err)
	}
	return res.RowsAffected()
}

// queueCounts reports how many runs are waiting and how many this process
// currently owns. The health endpoint surfaces both.
func (s *pgStore) queueCounts(ctx context.Context, ownerPrefix string) (queued, active int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'queued'),
		       COUNT(*) FILTER (WHERE status = 'running' AND owner_id LIKE $1 || '%')
		FROM runs`, ownerPrefix).Scan(&queued, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queued runs: %w", err)
	}
	return queued, active, nil
}

// runEventHead returns the run's status and its highest event seq (-1 when
// the log is empty). The wait loop polls this.
func (s *pgStore) runEventHead(ctx context.Context, runID string) (models.RunStatus, int64, error) {
	var (
		status  string
		lastSeq int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT r.status,
		       COALESCE((SELECT MAX(e.seq) FROM run_events e WHERE e.run_id = r.run_id), -1)
		FROM runs r
		WHERE r.run_id = $1`, runID).Scan(&status, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", -1, ErrRunNotFound
	}
	if err != nil {
		return "", -1, fmt.Errorf("failed to read run head: %w", err)
	}
	return models.RunStatus(status), lastSeq, nil
}

func scanRun(row interface{ Scan(...any) error }) (*models.RunRecord, error) {
	var (
		run        models.RunRecord
		status     string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		cancelAt   sql.NullTime
		errMsg     sql.NullString
		finalOut   sql.NullString
		ownerID    sql.NullString
		leaseUntil sql.NullTime
	)
	err := row.Scan(&run.RunID, &run.SessionID, &status, &run.InputText, &run.CreatedAt,
		&startedAt, &finishedAt, &cancelAt, &errMsg, &finalOut, &ownerID, &leaseUntil)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if cancelAt.Valid {
		t := cancelAt.Time
		run.CancelRequestedAt = &t
	}
	run.ErrorMessage = errMsg.String
	run.FinalOutput = finalOut.String
	run.OwnerID = ownerID.String
	if leaseUntil.Valid {
		t := leaseUntil.Time
		run.LeaseUntil = &t
	}
	return &run, nil
}

func encodeEventData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}
	return payload, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
