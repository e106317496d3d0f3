package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/jobcore/internal/events"
	"github.com/fyrsmithlabs/jobcore/internal/job"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 30 * time.Second

// handleEvents streams a job's events as Server-Sent Events until the job
// reaches a terminal state or the client disconnects.
//
//	event: status
//	data: {"kind":"status","job_id":"...","status":{...}}
//
// The first event is a snapshot of the current job.
func (s *Server) handleEvents(c echo.Context) error {
	if s.broker == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event stream is not configured")
	}
	id := c.Param("id")
	ctx := c.Request().Context()

	// Subscribe before the snapshot so no transition falls in between.
	sub, err := s.broker.Subscribe(events.Filter{JobID: id})
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream is closed")
	}
	defer sub.Close()

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	snapshot := events.Event{
		Kind:   events.KindStatus,
		JobID:  j.ID,
		UserID: j.UserID,
		At:     j.UpdatedAt,
		Status: &job.StatusChange{JobID: j.ID, UserID: j.UserID, From: j.Status, To: j.Status, Job: j, At: j.UpdatedAt},
	}
	if err := s.writeEvent(c, snapshot); err != nil || snapshot.Terminal() {
		return nil
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := s.writeEvent(c, ev); err != nil {
				return nil
			}
			if ev.Terminal() {
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), ": heartbeat\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) writeEvent(c echo.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("encoding event", zap.String("job_id", ev.JobID), zap.Error(err))
		return nil
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
