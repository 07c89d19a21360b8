package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/models"
)

func TestSessionLifecycleEndpoints(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	resp := rig.do(t, http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeJSON[models.SessionState](t, resp)
	require.NotEmpty(t, created.SessionID)

	resp = rig.do(t, http.MethodGet, "/api/v1/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decodeJSON[models.SessionState](t, resp)
	assert.Equal(t, created.SessionID, fetched.SessionID)
	assert.Empty(t, fetched.Messages)

	resp = rig.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeJSON[SessionListResponse](t, resp)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, created.SessionID, list.Sessions[0].SessionID)

	resp = rig.do(t, http.MethodDelete, "/api/v1/sessions/"+created.SessionID, nil)
	drainAndClose(resp)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = rig.do(t, http.MethodGet, "/api/v1/sessions/"+created.SessionID, nil)
	drainAndClose(resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = rig.do(t, http.MethodDelete, "/api/v1/sessions/"+created.SessionID, nil)
	drainAndClose(resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	longID := make([]byte, 129)
	for i := range longID {
		longID[i] = 'a'
	}
	resp = rig.do(t, http.MethodGet, "/api/v1/sessions/"+string(longID), nil)
	drainAndClose(resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionReflectsCompletedRun(t *testing.T) {
	rig := newAPIRig(t, sayHi)

	run := rig.startRun(t, "s1", "hello")
	rig.waitTerminal(t, run.RunID)

	resp := rig.do(t, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decodeJSON[models.SessionState](t, resp)
	assert.Equal(t, run.RunID, state.RunID)
	require.NotEmpty(t, state.Messages)
	assert.Equal(t, "hello", state.Messages[0].Content.PlainText())
}

func TestDeleteSessionWithActiveRun(t *testing.T) {
	release := make(chan struct{})
	rig := newAPIRig(t, func(ctx context.Context, input string, emit agent.EmitFunc) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	})

	run := rig.startRun(t, "s1", "busy")

	resp := rig.do(t, http.MethodDelete, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeJSON[ErrorResponse](t, resp)
	assert.Contains(t, body.Error, "active run")

	close(release)
	rig.waitTerminal(t, run.RunID)

	resp = rig.do(t, http.MethodDelete, "/api/v1/sessions/s1", nil)
	drainAndClose(resp)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCancelSessionEndpoint(t *testing.T) {
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

	first := rig.startRun(t, "s1", "one")
	second := rig.startRun(t, "s1", "two")

	resp := rig.do(t, http.MethodPost, "/api/v1/sessions/s1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[CancelSessionResponse](t, resp)
	assert.Equal(t, "s1", body.SessionID)
	assert.ElementsMatch(t, []string{first.RunID, second.RunID}, body.CancelledRuns)

	assert.Equal(t, models.RunStatusCancelled, rig.waitTerminal(t, first.RunID).Status)
	assert.Equal(t, models.RunStatusCancelled, rig.waitTerminal(t, second.RunID).Status)

	resp = rig.do(t, http.MethodPost, "/api/v1/sessions/missing/cancel", nil)
	drainAndClose(resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
