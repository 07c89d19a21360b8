package sessionstore

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/codelia/codelia/pkg/models"
)

// summaryIndex caches listing rows so List does not have to parse every
// snapshot on every call. The index is disposable: rows are validated
// against file mtimes and rebuilt when they drift.
type summaryIndex struct {
	db *sql.DB
}

type indexRow struct {
	fileName        string
	sessionID       string
	mtimeNS         int64
	updatedAt       time.Time
	runID           string
	messageCount    int
	lastUserMessage string
}

func indexRowFrom(fileName string, mtimeNS int64, s models.SessionSummary) indexRow {
	return indexRow{
		fileName:        fileName,
		sessionID:       s.SessionID,
		mtimeNS:         mtimeNS,
		updatedAt:       s.UpdatedAt,
		runID:           s.RunID,
		messageCount:    s.MessageCount,
		lastUserMessage: s.LastUserMessage,
	}
}

func (r indexRow) summary() models.SessionSummary {
	return models.SessionSummary{
		SessionID:       r.sessionID,
		UpdatedAt:       r.updatedAt,
		RunID:           r.runID,
		MessageCount:    r.messageCount,
		LastUserMessage: r.lastUserMessage,
	}
}

func openSummaryIndex(path string) (*summaryIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer: the store serializes its own access.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_index (
			file_name TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			mtime_ns INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL,
			last_user_message TEXT NOT NULL DEFAULT ''
		)`); err != nil {
		db.Close()
		return nil, err
	}
	return &summaryIndex{db: db}, nil
}

func (i *summaryIndex) get(fileName string) (indexRow, bool, error) {
	var row indexRow
	var updatedAt string
	err := i.db.QueryRow(`
		SELECT file_name, session_id, mtime_ns, updated_at, run_id, message_count, last_user_message
		FROM session_index WHERE file_name = ?`, fileName).
		Scan(&row.fileName, &row.sessionID, &row.mtimeNS, &updatedAt,
			&row.runID, &row.messageCount, &row.lastUserMessage)
	if err == sql.ErrNoRows {
		return indexRow{}, false, nil
	}
	if err != nil {
		return indexRow{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return indexRow{}, false, err
	}
	row.updatedAt = ts
	return row, true, nil
}

func (i *summaryIndex) upsert(row indexRow) error {
	_, err := i.db.Exec(`
		INSERT INTO session_index (file_name, session_id, mtime_ns, updated_at, run_id, message_count, last_user_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_name) DO UPDATE SET
			session_id = excluded.session_id,
			mtime_ns = excluded.mtime_ns,
			updated_at = excluded.updated_at,
			run_id = excluded.run_id,
			message_count = excluded.message_count,
			last_user_message = excluded.last_user_message`,
		row.fileName, row.sessionID, row.mtimeNS, row.updatedAt.UTC().Format(time.RFC3339Nano),
		row.runID, row.messageCount, row.lastUserMessage)
	return err
}

func (i *summaryIndex) delete(fileName string) error {
	_, err := i.db.Exec(`DELETE FROM session_index WHERE file_name = ?`, fileName)
	return err
}

// prune drops rows whose files no longer exist.
func (i *summaryIndex) prune(live map[string]bool) error {
	rows, err := i.db.Query(`SELECT file_name FROM session_index`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		if !live[name] {
			stale = append(stale, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, name := range stale {
		if err := i.delete(name); err != nil {
			return err
		}
	}
	return nil
}

func (i *summaryIndex) close() error {
	return i.db.Close()
}
