package sessionstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/codelia/pkg/models"
)

// countingStore records every Save for assertions.
type countingStore struct {
	mu      sync.Mutex
	saved   []*models.SessionState
	saveErr error
}

func (s *countingStore) Load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	return nil, nil
}

func (s *countingStore) Save(ctx context.Context, state *models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, state)
	return nil
}

func (s *countingStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	return nil, nil
}

func (s *countingStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	return false, nil
}

func (s *countingStore) saves() []*models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.SessionState(nil), s.saved...)
}

func snapshotOf(sessionID string, invokeSeq int) func() *models.SessionState {
	return func() *models.SessionState {
		return &models.SessionState{SessionID: sessionID, InvokeSeq: invokeSeq}
	}
}

func TestDebouncedSaverCoalescesWindow(t *testing.T) {
	store := &countingStore{}
	saver := NewDebouncedSaver(store, 50*time.Millisecond, nil)
	defer saver.Close()

	saver.Request("s1", snapshotOf("s1", 1))
	saver.Request("s1", snapshotOf("s1", 2))
	saver.Request("s1", snapshotOf("s1", 3))

	require.Eventually(t, func() bool {
		return len(store.saves()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The freshest snapshot won the window.
	assert.Equal(t, 3, store.saves()[0].InvokeSeq)

	// The window is over; nothing else fires.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, store.saves(), 1)
}

func TestDebouncedSaverSeparatesSessions(t *testing.T) {
	store := &countingStore{}
	saver := NewDebouncedSaver(store, 30*time.Millisecond, nil)
	defer saver.Close()

	saver.Request("s1", snapshotOf("s1", 1))
	saver.Request("s2", snapshotOf("s2", 1))

	require.Eventually(t, func() bool {
		return len(store.saves()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	ids := map[string]bool{}
	for _, st := range store.saves() {
		ids[st.SessionID] = true
	}
	assert.True(t, ids["s1"] && ids["s2"])
}

func TestFlushWritesNowAndCancelsPending(t *testing.T) {
	store := &countingStore{}
	saver := NewDebouncedSaver(store, time.Hour, nil)
	defer saver.Close()

	saver.Request("s1", snapshotOf("s1", 1))
	require.NoError(t, saver.Flush(context.Background(), "s1", snapshotOf("s1", 2)))

	saves := store.saves()
	require.Len(t, saves, 1)
	assert.Equal(t, 2, saves[0].InvokeSeq)

	// Close would write any still-armed timer; there must be none.
	saver.Close()
	assert.Len(t, store.saves(), 1)
}

func TestFlushPropagatesStoreErrors(t *testing.T) {
	storeErr := errors.New("disk full")
	store := &countingStore{saveErr: storeErr}
	saver := NewDebouncedSaver(store, time.Hour, nil)
	defer saver.Close()

	err := saver.Flush(context.Background(), "s1", snapshotOf("s1", 1))
	assert.ErrorIs(t, err, storeErr)

	// A nil snapshot means "nothing to persist", not an error.
	require.NoError(t, saver.Flush(context.Background(), "s1",
		func() *models.SessionState { return nil }))
}

func TestCloseWritesPendingAndStopsAccepting(t *testing.T) {
	store := &countingStore{}
	saver := NewDebouncedSaver(store, time.Hour, nil)

	saver.Request("s1", snapshotOf("s1", 1))
	saver.Request("s2", snapshotOf("s2", 1))
	saver.Close()

	assert.Len(t, store.saves(), 2, "Close dropped pending saves")

	saver.Request("s3", snapshotOf("s3", 1))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, store.saves(), 2, "Request after Close still saved")

	saver.Close()
}

func TestDefaultDelaySelected(t *testing.T) {
	saver := NewDebouncedSaver(&countingStore{}, 0, nil)
	defer saver.Close()
	assert.Equal(t, DefaultSaveDebounce, saver.delay)
}
