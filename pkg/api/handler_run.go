package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/scheduler"
	"github.com/codelia/codelia/pkg/services"
)

const (
	// streamWaitTimeout is how long one wait for new events blocks before
	// the stream emits a ping frame.
	streamWaitTimeout = 5 * time.Second

	// streamBatchSize is the page size when draining the event log.
	streamBatchSize = scheduler.DefaultEventBatch
)

// createRunHandler handles POST /api/v1/runs.
func (s *Server) createRunHandler(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	run, err := s.runs.StartRun(c.Request.Context(), services.StartRunInput{
		SessionID: req.SessionID,
		Message:   req.Message,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	// 202: the run executes asynchronously; poll the record or follow the
	// event stream for progress.
	c.JSON(http.StatusAccepted, run)
}

// getRunHandler handles GET /api/v1/runs/:run_id.
func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// listRunsHandler handles GET /api/v1/runs.
func (s *Server) listRunsHandler(c *gin.Context) {
	input := services.ListRunsInput{SessionID: c.Query("session_id")}
	if v := c.Query("status"); v != "" {
		input.Statuses = strings.Split(v, ",")
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid limit: must be a positive integer"})
			return
		}
		input.Limit = n
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), input)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}
	c.JSON(http.StatusOK, &RunListResponse{Runs: runs})
}

// cancelRunHandler handles POST /api/v1/runs/:run_id/cancel.
func (s *Server) cancelRunHandler(c *gin.Context) {
	runID := c.Param("run_id")
	if err := s.runs.CancelRun(c.Request.Context(), runID); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, &CancelRunResponse{
		RunID:   runID,
		Message: "cancellation requested",
	})
}

// listRunEventsHandler handles GET /api/v1/runs/:run_id/events. It returns
// one JSON page of the event log; pagination via after_seq and limit.
func (s *Server) listRunEventsHandler(c *gin.Context) {
	runID := c.Param("run_id")

	afterSeq := int64(-1)
	if v := c.Query("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid after_seq: must be an integer"})
			return
		}
		afterSeq = n
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "invalid limit: must be a positive integer"})
			return
		}
		limit = n
	}

	evs, err := s.runs.ListEvents(c.Request.Context(), runID, afterSeq, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if evs == nil {
		evs = []*models.RunEvent{}
	}
	c.JSON(http.StatusOK, &RunEventsResponse{RunID: runID, Events: evs})
}

// streamRunEventsHandler handles GET /api/v1/runs/:run_id/events/stream.
//
// Events flow as SSE frames with the run seq as the frame id, so a client
// reconnecting with Last-Event-ID resumes exactly where it left off. The
// stream drains history first, then follows the live log until the run is
// terminal. Idle periods carry ping frames so intermediaries keep the
// connection open.
func (s *Server) streamRunEventsHandler(c *gin.Context) {
	runID := c.Param("run_id")
	ctx := c.Request.Context()

	cursor, err := streamCursor(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	// Resolve the run before committing to the stream; after the first
	// frame the response cannot change status.
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		writeServiceError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	for {
		cursor, err = s.drainRunEvents(c, runID, cursor)
		if err != nil {
			return
		}

		run, err := s.runs.GetRun(ctx, runID)
		if err != nil {
			return
		}
		if run.Status.IsTerminal() {
			// The trailing done/error frames land atomically with the
			// status flip, so one more drain catches the tail.
			_, _ = s.drainRunEvents(c, runID, cursor)
			return
		}

		switch s.runs.WaitForNewEvent(ctx, runID, cursor, streamWaitTimeout) {
		case scheduler.WaitEvent:
			// Next drain picks it up.
		case scheduler.WaitTimeout:
			if err := sse.Encode(c.Writer, sse.Event{Event: models.EventTypePing, Data: "{}"}); err != nil {
				return
			}
			c.Writer.Flush()
		default:
			// Aborted or missing; the stream is over either way.
			return
		}
	}
}

// drainRunEvents writes every event past cursor as SSE frames and returns
// the new cursor.
func (s *Server) drainRunEvents(c *gin.Context, runID string, cursor int64) (int64, error) {
	for {
		evs, err := s.runs.ListEvents(c.Request.Context(), runID, cursor, streamBatchSize)
		if err != nil {
			return cursor, err
		}
		for _, ev := range evs {
			err := sse.Encode(c.Writer, sse.Event{
				Id:    strconv.FormatInt(ev.Seq, 10),
				Event: ev.Type,
				Data:  ev,
			})
			if err != nil {
				return cursor, err
			}
			cursor = ev.Seq
		}
		if len(evs) > 0 {
			c.Writer.Flush()
		}
		if len(evs) < streamBatchSize {
			return cursor, nil
		}
	}
}

// streamCursor reads the resume position: the Last-Event-ID header (sent by
// EventSource on reconnect) wins over the cursor query param. -1 means the
// whole stream.
func streamCursor(c *gin.Context) (int64, error) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("cursor")
	}
	if raw == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: must be an event seq", raw)
	}
	return n, nil
}
