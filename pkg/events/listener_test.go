package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/test/util"
)

// notifySink collects notifications delivered by the listener.
type notifySink struct {
	mu       sync.Mutex
	received map[string][][]byte
}

func newNotifySink() *notifySink {
	return &notifySink{received: make(map[string][][]byte)}
}

func (s *notifySink) deliver(channel string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[channel] = append(s.received[channel], append([]byte(nil), payload...))
}

func (s *notifySink) count(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received[channel])
}

func (s *notifySink) last(channel string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.received[channel]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func startTestListener(t *testing.T, sink *notifySink) *Listener {
	t.Helper()
	listener := NewListener(util.BaseConnString(t), sink.deliver, nil)
	require.NoError(t, listener.Start(context.Background()))
	t.Cleanup(func() { listener.Stop(context.Background()) })
	return listener
}

func TestListenerDeliversCommittedNotifications(t *testing.T) {
	db := util.SetupTestDatabase(t).DB()
	ctx := context.Background()
	sink := newNotifySink()
	listener := startTestListener(t, sink)

	channel := RunChannel("r1")
	require.NoError(t, listener.Listen(ctx, channel))

	pub := NewPublisher(db)
	ev := &models.RunEvent{
		RunID: "r1",
		Seq:   0,
		Type:  models.EventTypeText,
		Data:  map[string]any{"content": "hello"},
	}

	// The notification is held until the transaction commits.
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, pub.PublishRunEventTx(ctx, tx, ev))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, sink.count(channel), "notification escaped an open transaction")
	require.NoError(t, tx.Commit())

	require.Eventually(t, func() bool {
		return sink.count(channel) == 1
	}, 5*time.Second, 20*time.Millisecond)

	var decoded models.RunEvent
	require.NoError(t, json.Unmarshal(sink.last(channel), &decoded))
	assert.Equal(t, "r1", decoded.RunID)
	assert.Equal(t, models.EventTypeText, decoded.Type)
	assert.Equal(t, "hello", decoded.Data["content"])
}

func TestListenerRolledBackNotificationNeverFires(t *testing.T) {
	db := util.SetupTestDatabase(t).DB()
	ctx := context.Background()
	sink := newNotifySink()
	listener := startTestListener(t, sink)

	channel := RunChannel("r1")
	require.NoError(t, listener.Listen(ctx, channel))

	pub := NewPublisher(db)
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, pub.PublishRunEventTx(ctx, tx, &models.RunEvent{RunID: "r1", Type: models.EventTypeText}))
	require.NoError(t, tx.Rollback())

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, sink.count(channel))
}

func TestListenerChannelIsolationAndUnlisten(t *testing.T) {
	db := util.SetupTestDatabase(t).DB()
	ctx := context.Background()
	sink := newNotifySink()
	listener := startTestListener(t, sink)

	subscribed := RunChannel("sub")
	other := RunChannel("other")
	require.NoError(t, listener.Listen(ctx, subscribed))
	require.NoError(t, listener.Listen(ctx, subscribed), "second Listen is idempotent")

	pub := NewPublisher(db)
	publish := func(runID string) {
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, pub.PublishRunEventTx(ctx, tx, &models.RunEvent{RunID: runID, Type: models.EventTypePing}))
		require.NoError(t, tx.Commit())
	}

	publish("other")
	publish("sub")
	require.Eventually(t, func() bool {
		return sink.count(subscribed) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, sink.count(other), "received a channel nobody subscribed to")

	require.NoError(t, listener.Unlisten(ctx, subscribed))
	publish("sub")
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, sink.count(subscribed), "received after UNLISTEN")
}

func TestListenerGlobalStatusChannel(t *testing.T) {
	db := util.SetupTestDatabase(t).DB()
	ctx := context.Background()
	sink := newNotifySink()
	listener := startTestListener(t, sink)

	require.NoError(t, listener.Listen(ctx, GlobalRunsChannel))

	pub := NewPublisher(db)
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, pub.PublishRunStatusTx(ctx, tx, &models.RunRecord{
		RunID:     "r1",
		SessionID: "s1",
		Status:    models.RunStatusCompleted,
	}))
	require.NoError(t, tx.Commit())

	require.Eventually(t, func() bool {
		return sink.count(GlobalRunsChannel) == 1
	}, 5*time.Second, 20*time.Millisecond)

	var payload RunStatusPayload
	require.NoError(t, json.Unmarshal(sink.last(GlobalRunsChannel), &payload))
	assert.Equal(t, RunStatusType, payload.Type)
	assert.Equal(t, "r1", payload.RunID)
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, "completed", payload.Status)
}

func TestListenerLifecycleGuards(t *testing.T) {
	sink := newNotifySink()
	listener := NewListener(util.BaseConnString(t), sink.deliver, nil)

	// Listen before Start is an error; Unlisten is a no-op.
	require.Error(t, listener.Listen(context.Background(), RunChannel("r1")))
	require.NoError(t, listener.Unlisten(context.Background(), RunChannel("r1")))

	require.NoError(t, listener.Start(context.Background()))
	require.NoError(t, listener.Listen(context.Background(), RunChannel("r1")))
	listener.Stop(context.Background())

	// Stopped listeners refuse new subscriptions.
	require.Error(t, listener.Listen(context.Background(), RunChannel("r2")))
}
