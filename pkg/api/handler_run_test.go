package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/models"
)

func TestCreateRunAndFetch(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	run := rig.startRun(t, "s1", "hello there")
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.Equal(t, "s1", run.SessionID)
	assert.Equal(t, "hello there", run.InputText)

	rec := rig.waitTerminal(t, run.RunID)
	assert.Equal(t, models.RunStatusCompleted, rec.Status)

	resp := rig.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeJSON[RunEventsResponse](t, resp)
	assert.Equal(t, run.RunID, page.RunID)
	require.Len(t, page.Events, 3)
	assert.Equal(t, "text", page.Events[0].Type)
	assert.Equal(t, "final", page.Events[1].Type)
	assert.Equal(t, "done", page.Events[2].Type)

	// after_seq pages past the first two.
	resp = rig.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID+"/events?after_seq=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decodeJSON[RunEventsResponse](t, resp)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(2), page.Events[0].Seq)
}

func TestCreateRunValidation(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	tests := []struct {
		name string
		body any
	}{
		{"empty message", &CreateRunRequest{SessionID: "s1"}},
		{"empty session id", &CreateRunRequest{Message: "hi"}},
		{"session id with slash", &CreateRunRequest{SessionID: "a/b", Message: "hi"}},
		{"oversize message", &CreateRunRequest{SessionID: "s1", Message: strings.Repeat("x", 32*1024+1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := rig.do(t, http.MethodPost, "/api/v1/runs", tc.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeJSON[ErrorResponse](t, resp)
			assert.Contains(t, body.Error, "validation error")
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, rig.ts.URL+"/api/v1/runs", strings.NewReader("{not json"))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := rig.ts.Client().Do(req)
		require.NoError(t, err)
		defer drainAndClose(resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetRunNotFound(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	resp := rig.do(t, http.MethodGet, "/api/v1/runs/no-such-run", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, "/api/v1/runs/no-such-run/events", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRunEndpoint(t *testing.T) {
	release := make(chan struct{})
	rig := newAPIRig(t, func(ctx context.Context, input string, emit agent.EmitFunc) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})
	defer close(release)

	run := rig.startRun(t, "s1", "long task")

	resp := rig.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeJSON[CancelRunResponse](t, resp)
	assert.Equal(t, run.RunID, body.RunID)

	rec := rig.waitTerminal(t, run.RunID)
	assert.Equal(t, models.RunStatusCancelled, rec.Status)

	resp = rig.do(t, http.MethodPost, "/api/v1/runs/no-such-run/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRunsEndpoint(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	r1 := rig.startRun(t, "s1", "one")
	rig.waitTerminal(t, r1.RunID)
	r2 := rig.startRun(t, "s2", "two")
	rig.waitTerminal(t, r2.RunID)

	resp := rig.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeJSON[RunListResponse](t, resp)
	require.Len(t, list.Runs, 2)

	resp = rig.do(t, http.MethodGet, "/api/v1/runs?session_id=s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decodeJSON[RunListResponse](t, resp)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, r1.RunID, list.Runs[0].RunID)

	resp = rig.do(t, http.MethodGet, "/api/v1/runs?status=completed&limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decodeJSON[RunListResponse](t, resp)
	require.Len(t, list.Runs, 1)

	resp = rig.do(t, http.MethodGet, "/api/v1/runs?status=sleeping", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, "/api/v1/runs?limit=zero", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamRunEventsLive(t *testing.T) {
	release := make(chan struct{})
	rig := newAPIRig(t, func(ctx context.Context, input string, emit agent.EmitFunc) error {
		if err := emit(agent.Event{Type: models.EventTypeText, Data: map[string]any{"content": "working"}}); err != nil {
			return err
		}
		select {
		case <-release:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		return emit(agent.Event{Type: models.EventTypeFinal, Data: map[string]any{"content": "result"}})
	})

	run := rig.startRun(t, "s1", "go")

	resp := rig.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID+"/events/stream", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Let the stream attach mid-run, then let the agent finish.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	frames := nonPingFrames(readSSEFrames(t, resp.Body))
	require.Equal(t, []string{"text", "final", "done"}, frameEvents(frames))
	assert.Equal(t, "0", frames[0].id)
	assert.Equal(t, "2", frames[2].id)

	var ev models.RunEvent
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &ev))
	assert.Equal(t, run.RunID, ev.RunID)
	assert.Equal(t, "working", ev.Data["content"])
}

func TestStreamRunEventsReplayAndResume(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	run := rig.startRun(t, "s1", "hello")
	rig.waitTerminal(t, run.RunID)

	// Full replay of a finished run, then EOF.
	resp := rig.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID+"/events/stream", nil)
	frames := nonPingFrames(readSSEFrames(t, resp.Body))
	resp.Body.Close()
	require.Equal(t, []string{"text", "final", "done"}, frameEvents(frames))

	// Resume via cursor param.
	resp = rig.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID+"/events/stream?cursor=0", nil)
	frames = nonPingFrames(readSSEFrames(t, resp.Body))
	resp.Body.Close()
	require.Equal(t, []string{"final", "done"}, frameEvents(frames))

	// Last-Event-ID wins over the param, matching EventSource reconnects.
	req, err := http.NewRequest(http.MethodGet, rig.ts.URL+"/api/v1/runs/"+run.RunID+"/events/stream?cursor=0", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	hresp, err := rig.ts.Client().Do(req)
	require.NoError(t, err)
	frames = nonPingFrames(readSSEFrames(t, hresp.Body))
	hresp.Body.Close()
	require.Equal(t, []string{"done"}, frameEvents(frames))
}

func TestStreamRunEventsRejectsBadRequests(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	resp := rig.do(t, http.MethodGet, "/api/v1/runs/no-such-run/events/stream", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	run := rig.startRun(t, "s1", "hello")
	rig.waitTerminal(t, run.RunID)

	resp = rig.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID+"/events/stream?cursor=abc", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
