package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/codelia/codelia/pkg/models"
)

// FileStore keeps one JSON snapshot per session under a state directory.
// Writes go to a temp file in the same directory and are renamed into place,
// so a crash mid-save leaves the previous snapshot intact. Listing is served
// from an SQLite index refreshed against file mtimes; when the index cannot
// be opened the store degrades to scanning and parsing every file.
type FileStore struct {
	dir    string
	index  *summaryIndex
	logger *slog.Logger
}

// NewFileStore opens (creating if needed) a snapshot directory. Index
// failures are logged, not fatal.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating state dir: %v", ErrStoreUnavailable, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session_store")

	index, err := openSummaryIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		logger.Warn("Summary index unavailable, falling back to directory scans", "error", err)
		index = nil
	}
	return &FileStore{dir: dir, index: index, logger: logger}, nil
}

// fileName keeps session files unique even when slugs collide.
func (s *FileStore) fileName(sessionID string) string {
	return models.SessionSlug(sessionID) + "-" + models.SessionDigest(sessionID) + ".json"
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, s.fileName(sessionID))
}

func (s *FileStore) Load(_ context.Context, sessionID string) (*models.SessionState, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading snapshot: %v", ErrStoreUnavailable, err)
	}
	return decodeState(data)
}

func (s *FileStore) Save(_ context.Context, state *models.SessionState) error {
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

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrStoreUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: writing snapshot: %v", ErrStoreUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: closing snapshot: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmpName, s.path(state.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replacing snapshot: %v", ErrStoreUnavailable, err)
	}

	s.indexUpsert(state.SessionID, &snapshot)
	return nil
}

func (s *FileStore) Delete(_ context.Context, sessionID string) (bool, error) {
	err := os.Remove(s.path(sessionID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: deleting snapshot: %v", ErrStoreUnavailable, err)
	}
	if s.index != nil {
		if err := s.index.delete(s.fileName(sessionID)); err != nil {
			s.logger.Warn("Failed to drop index row", "session_id", sessionID, "error", err)
		}
	}
	return true, nil
}

// List scans the directory and reuses index rows whose recorded mtime still
// matches the file; everything else is re-parsed and the index refreshed.
func (s *FileStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: scanning state dir: %v", ErrStoreUnavailable, err)
	}

	var summaries []models.SessionSummary
	live := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		live[entry.Name()] = true

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if s.index != nil {
			if row, ok, err := s.index.get(entry.Name()); err == nil && ok && row.mtimeNS == info.ModTime().UnixNano() {
				summaries = append(summaries, row.summary())
				continue
			}
		}

		summary, ok := s.summarizeFile(entry.Name(), info.ModTime())
		if !ok {
			continue
		}
		summaries = append(summaries, summary)
	}

	if s.index != nil {
		if err := s.index.prune(live); err != nil {
			s.logger.Warn("Failed to prune index", "error", err)
		}
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// summarizeFile parses one snapshot for listing. Unreadable or foreign
// records are skipped rather than failing the whole listing.
func (s *FileStore) summarizeFile(name string, mtime time.Time) (models.SessionSummary, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		s.logger.Warn("Skipping unreadable snapshot", "file", name, "error", err)
		return models.SessionSummary{}, false
	}
	state, err := decodeState(data)
	if err != nil {
		s.logger.Warn("Skipping unparseable snapshot", "file", name, "error", err)
		return models.SessionSummary{}, false
	}
	summary := summarize(state)
	if s.index != nil {
		row := indexRowFrom(name, mtime.UnixNano(), summary)
		if err := s.index.upsert(row); err != nil {
			s.logger.Warn("Failed to refresh index row", "file", name, "error", err)
		}
	}
	return summary, true
}

func (s *FileStore) indexUpsert(sessionID string, state *models.SessionState) {
	if s.index == nil {
		return
	}
	name := s.fileName(sessionID)
	info, err := os.Stat(s.path(sessionID))
	if err != nil {
		return
	}
	row := indexRowFrom(name, info.ModTime().UnixNano(), summarize(state))
	if err := s.index.upsert(row); err != nil {
		s.logger.Warn("Failed to update index row", "session_id", sessionID, "error", err)
	}
}

// Close releases the summary index.
func (s *FileStore) Close() error {
	if s.index != nil {
		return s.index.close()
	}
	return nil
}

// decodeState parses a snapshot, accepting only the current schema version.
// Message content stays tolerant of legacy shapes (strings, arrays, null);
// only structurally unreadable JSON is rejected.
func decodeState(data []byte) (*models.SessionState, error) {
	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if state.SchemaVersion != models.SessionStateSchemaVersion {
		return nil, fmt.Errorf("unsupported schema_version %d", state.SchemaVersion)
	}
	return &state, nil
}
