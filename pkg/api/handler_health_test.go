package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/agentpool"
	"github.com/codelia/codelia/pkg/config"
	"github.com/codelia/codelia/pkg/events"
	"github.com/codelia/codelia/pkg/sandbox"
	"github.com/codelia/codelia/pkg/scheduler"
	"github.com/codelia/codelia/pkg/services"
	"github.com/codelia/codelia/pkg/sessionstore"
)

func TestHealthEndpointMemoryMode(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	resp := rig.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[HealthResponse](t, resp)

	assert.Equal(t, healthStatusHealthy, body.Status)
	assert.NotEmpty(t, body.Version)

	// Memory mode runs without a database or worker pool; only the agent
	// pool reports.
	require.Contains(t, body.Checks, "agent_pool")
	assert.NotContains(t, body.Checks, "database")
	assert.NotContains(t, body.Checks, "worker_pool")
	assert.Equal(t, healthStatusHealthy, body.Checks["agent_pool"].Status)
}

func TestSecurityHeaders(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	resp := rig.do(t, http.MethodGet, "/health", nil)
	drainAndClose(resp)

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", resp.Header.Get("Referrer-Policy"))
	assert.NotEmpty(t, resp.Header.Get("Permissions-Policy"))
}

func TestWebSocketStreamsRunEvents(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	run := rig.startRun(t, "s1", "hello")
	rig.waitTerminal(t, run.RunID)

	url := "ws" + rig.ts.URL[len("http"):] + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readWS := func() map[string]any {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	msg := readWS()
	assert.Equal(t, "connection.established", msg["type"])

	sub, err := json.Marshal(events.ClientMessage{
		Action:  "subscribe",
		Channel: events.RunChannel(run.RunID),
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, sub))

	msg = readWS()
	assert.Equal(t, "subscription.confirmed", msg["type"])

	// Catch-up replays the whole finished run.
	var types []string
	for i := 0; i < 3; i++ {
		msg = readWS()
		tp, _ := msg["type"].(string)
		types = append(types, tp)
	}
	assert.Equal(t, []string{"text", "final", "done"}, types)
}

func TestWebSocketUnavailableWithoutManager(t *testing.T) {
	store, err := sessionstore.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sandboxes := sandbox.NewManager(t.TempDir(), time.Hour, nil)
	settings := config.NewSettingsStore(filepath.Join(t.TempDir(), "settings.yaml"), nil)
	factory := func(ctx context.Context, spec agent.BuildSpec) (agent.Agent, error) {
		return &scriptAgent{}, nil
	}
	pool := agentpool.NewPool(store, sandboxes, factory, settings)
	t.Cleanup(pool.Dispose)
	saver := sessionstore.NewDebouncedSaver(store, 20*time.Millisecond, nil)
	t.Cleanup(saver.Close)
	sched := scheduler.NewMemoryScheduler(pool, saver)
	t.Cleanup(sched.Dispose)

	server := NewServer(
		services.NewRunService(sched),
		services.NewSessionService(store, pool, sched),
		pool,
	)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer drainAndClose(resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
