package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/codelia/pkg/models"
)

// stubSource serves a fixed event log per run id.
type stubSource struct {
	events map[string][]*models.RunEvent
	err    error
}

func (s *stubSource) ListEventsAfter(_ context.Context, runID string, afterSeq int64, limit int) ([]*models.RunEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.RunEvent
	for _, ev := range s.events[runID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func setupTestManager(t *testing.T, source CatchupSource) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	manager := NewConnectionManager(source, 5*time.Second, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))

	t.Cleanup(func() { server.Close() })
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func seedEvents(runID string, n int) []*models.RunEvent {
	evs := make([]*models.RunEvent, n)
	for i := range evs {
		evs[i] = &models.RunEvent{
			RunID:     runID,
			Seq:       int64(i),
			Type:      models.EventTypeText,
			Data:      map[string]any{"content": "chunk"},
			CreatedAt: time.Now().UTC(),
		}
	}
	return evs
}

func TestConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t, &stubSource{})
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestSubscribeReplaysHistory(t *testing.T) {
	source := &stubSource{events: map[string][]*models.RunEvent{
		"run-1": seedEvents("run-1", 3),
	}}
	_, server := setupTestManager(t, source)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: RunChannel("run-1")})

	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "run:run-1", msg["channel"])

	for want := 0; want < 3; want++ {
		ev := readJSON(t, conn)
		assert.Equal(t, float64(want), ev["seq"])
		assert.Equal(t, "text", ev["type"])
	}
}

func TestSubscribeResumesAfterLastSeq(t *testing.T) {
	source := &stubSource{events: map[string][]*models.RunEvent{
		"run-1": seedEvents("run-1", 5),
	}}
	_, server := setupTestManager(t, source)
	conn := connectWS(t, server)
	readJSON(t, conn)

	last := int64(2)
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: RunChannel("run-1"), LastSeq: &last})
	readJSON(t, conn) // subscription.confirmed

	ev := readJSON(t, conn)
	assert.Equal(t, float64(3), ev["seq"])
	ev = readJSON(t, conn)
	assert.Equal(t, float64(4), ev["seq"])
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	manager, server := setupTestManager(t, &stubSource{})

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1)
	readJSON(t, conn2)

	channel := RunChannel("run-b")
	writeJSON(t, conn1, ClientMessage{Action: "subscribe", Channel: channel})
	writeJSON(t, conn2, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn1)
	readJSON(t, conn2)

	require.Eventually(t, func() bool {
		return manager.subscriberCount(channel) == 2
	}, 2*time.Second, 10*time.Millisecond)

	manager.BroadcastRunEvent(&models.RunEvent{
		RunID: "run-b",
		Seq:   0,
		Type:  models.EventTypeText,
		Data:  map[string]any{"content": "hello"},
	})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readJSON(t, conn)
		assert.Equal(t, "text", msg["type"])
		assert.Equal(t, float64(0), msg["seq"])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	manager, server := setupTestManager(t, &stubSource{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	channel := RunChannel("run-u")
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn)

	require.Eventually(t, func() bool {
		return manager.subscriberCount(channel) == 1
	}, 2*time.Second, 10*time.Millisecond)

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: channel})
	require.Eventually(t, func() bool {
		return manager.subscriberCount(channel) == 0
	}, 2*time.Second, 10*time.Millisecond)

	manager.Broadcast(channel, []byte(`{"type":"text"}`))

	// Ping and expect the pong, not the broadcast.
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestPingPong(t *testing.T) {
	_, server := setupTestManager(t, &stubSource{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestSubscribeRequiresChannel(t *testing.T) {
	_, server := setupTestManager(t, &stubSource{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestCatchupOverflow(t *testing.T) {
	source := &stubSource{events: map[string][]*models.RunEvent{
		"run-big": seedEvents("run-big", catchupLimit+5),
	}}
	_, server := setupTestManager(t, source)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: RunChannel("run-big")})
	readJSON(t, conn) // subscription.confirmed

	for i := 0; i < catchupLimit; i++ {
		readJSON(t, conn)
	}
	msg := readJSON(t, conn)
	assert.Equal(t, "catchup.overflow", msg["type"])
	assert.Equal(t, true, msg["has_more"])
}

func TestGlobalChannelHasNoCatchup(t *testing.T) {
	_, server := setupTestManager(t, &stubSource{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalRunsChannel})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])

	// No replay follows; a ping answers immediately.
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg = readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}
