// Package events delivers run events to WebSocket clients in real time.
//
// Events always land in the run's durable log first; delivery here is an
// optimization on top of it. On the Postgres backend, the scheduler calls
// pg_notify in the same transaction as the event insert, a dedicated LISTEN
// connection receives the notification on any replica, and the
// ConnectionManager fans it out to local subscribers. The in-memory backend
// skips Postgres and feeds Broadcast directly.
//
// Clients that subscribe late or reconnect catch up from the event log by
// seq before relying on pushes, so a dropped NOTIFY never loses an event.
package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codelia/codelia/pkg/models"
)

// GlobalRunsChannel carries run status transitions for every run. Session
// list pages subscribe here instead of per-run channels.
const GlobalRunsChannel = "runs"

// runChannelPrefix namespaces per-run channels.
const runChannelPrefix = "run:"

// RunChannel returns the NOTIFY channel for one run's events.
func RunChannel(runID string) string {
	return runChannelPrefix + runID
}

// RunIDFromChannel extracts the run id from a per-run channel name. ok is
// false for other channels (e.g. the global runs channel).
func RunIDFromChannel(channel string) (string, bool) {
	runID, found := strings.CutPrefix(channel, runChannelPrefix)
	if !found || runID == "" {
		return "", false
	}
	return runID, true
}

// notifyPayloadLimit is the largest payload we hand to pg_notify. Postgres
// caps notifications at 8000 bytes; staying under leaves room for transport
// overhead. Larger events are truncated to a routing stub and clients
// re-fetch the full event from the log.
const notifyPayloadLimit = 7900

// EncodeRunEvent marshals a run event for wire delivery.
func EncodeRunEvent(ev *models.RunEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run event: %w", err)
	}
	return payload, nil
}

// truncateRunEvent reduces an oversized event to its routing fields. The seq
// tells the client exactly what to re-fetch.
func truncateRunEvent(ev *models.RunEvent) ([]byte, error) {
	stub := map[string]any{
		"run_id":    ev.RunID,
		"seq":       ev.Seq,
		"type":      ev.Type,
		"truncated": true,
	}
	payload, err := json.Marshal(stub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode truncation stub: %w", err)
	}
	return payload, nil
}

// notifyPayload returns the pg_notify payload for an event, truncated when
// the full encoding would not fit.
func notifyPayload(ev *models.RunEvent) ([]byte, error) {
	payload, err := EncodeRunEvent(ev)
	if err != nil {
		return nil, err
	}
	if len(payload) <= notifyPayloadLimit {
		return payload, nil
	}
	return truncateRunEvent(ev)
}

// RunStatusPayload is the envelope broadcast on the global runs channel when
// a run is created or reaches a terminal status.
type RunStatusPayload struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// RunStatusType tags RunStatusPayload envelopes.
const RunStatusType = "run.status"

// ClientMessage is the client → server WebSocket message shape.
type ClientMessage struct {
	// Action is one of subscribe, unsubscribe, catchup, ping.
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	// LastSeq resumes a per-run channel after the given event seq.
	// Absent means replay from the start.
	LastSeq *int64 `json:"last_seq,omitempty"`
}
