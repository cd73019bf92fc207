package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/event"
)

// handleEvents streams bus events as server-sent events. An optional
// ?filter= query takes a subject pattern, e.g. task.* or >.
func (s *Server) handleEvents(c echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus not configured")
	}
	pattern := c.QueryParam("filter")
	if pattern == "" {
		pattern = ">"
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	// The handler goroutine writes; delivery order is the bus's.
	events := make(chan event.Event, 64)
	unsubscribe, err := s.bus.Subscribe(pattern, func(_ context.Context, e event.Event) {
		select {
		case events <- e:
		default:
			// Slow consumer, drop rather than block the bus.
		}
	})
	if err != nil {
		return httpError(err)
	}
	defer unsubscribe()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn(ctx, "event marshal failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
