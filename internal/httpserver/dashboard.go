package httpserver

import (
	"database/sql"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/evalgo/edgerun/internal/queue"
)

// dashboardHandler serves the local inspector's read-only JSON surface:
// recent spans, recent log entries, and queue depth, all read straight back
// out of the shared store.
func (s *Server) dashboardHandler(c echo.Context) error {
	switch c.Param("*") {
	case "spans":
		return s.dashboardSpans(c)
	case "logs":
		return s.dashboardLogs(c)
	case "queues":
		return s.dashboardQueues(c)
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown dashboard resource")
	}
}

func (s *Server) dashboardSpans(c echo.Context) error {
	rows, err := s.bindings.Store.DB.QueryContext(c.Request().Context(), `
		SELECT span_id, trace_id, parent_span_id, name, kind, status, start_time, end_time
		FROM spans ORDER BY start_time DESC LIMIT 100
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type spanRow struct {
		SpanID       string `json:"span_id"`
		TraceID      string `json:"trace_id"`
		ParentSpanID string `json:"parent_span_id,omitempty"`
		Name         string `json:"name"`
		Kind         string `json:"kind"`
		Status       string `json:"status"`
		StartTime    int64  `json:"start_time"`
		EndTime      *int64 `json:"end_time,omitempty"`
	}
	var out []spanRow
	for rows.Next() {
		var r spanRow
		var parentSpanID sql.NullString
		var endTimeInt sql.NullInt64
		if err := rows.Scan(&r.SpanID, &r.TraceID, &parentSpanID, &r.Name, &r.Kind, &r.Status, &r.StartTime, &endTimeInt); err != nil {
			return err
		}
		if parentSpanID.Valid {
			r.ParentSpanID = parentSpanID.String
		}
		if endTimeInt.Valid {
			r.EndTime = &endTimeInt.Int64
		}
		out = append(out, r)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) dashboardLogs(c echo.Context) error {
	rows, err := s.bindings.Store.DB.QueryContext(c.Request().Context(), `
		SELECT timestamp, level, service, message, trace_id, span_id
		FROM log_entries ORDER BY timestamp DESC LIMIT 200
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type logRow struct {
		Timestamp int64  `json:"timestamp"`
		Level     string `json:"level"`
		Service   string `json:"service"`
		Message   string `json:"message"`
		TraceID   string `json:"trace_id,omitempty"`
		SpanID    string `json:"span_id,omitempty"`
	}
	var out []logRow
	for rows.Next() {
		var r logRow
		var service, traceID, spanID sql.NullString
		if err := rows.Scan(&r.Timestamp, &r.Level, &service, &r.Message, &traceID, &spanID); err != nil {
			return err
		}
		r.Service = service.String
		r.TraceID = traceID.String
		r.SpanID = spanID.String
		out = append(out, r)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) dashboardQueues(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name query parameter is required")
	}
	stats, err := queue.QueueStats(c.Request().Context(), s.bindings.Store, name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}
