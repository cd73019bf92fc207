package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

func (s *Server) handleCreateTask(c echo.Context) error {
	var req queue.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	task, err := s.queue.Create(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// ClaimRequest is the request body for POST /api/v1/tasks/claim.
type ClaimRequest struct {
	Worker       string   `json:"worker"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) handleClaim(c echo.Context) error {
	var req ClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ref, err := store.ParseWorkerRef(req.Worker)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	task, err := s.queue.ClaimNext(c.Request().Context(), ref, req.Capabilities)
	if err != nil {
		return httpError(err)
	}
	if task == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, task)
}

// StatusRequest is the request body for PATCH /api/v1/tasks/:id/status.
type StatusRequest struct {
	Status string `json:"status"`
	queue.UpdateResult
}

func (s *Server) handleUpdateStatus(c echo.Context) error {
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status field is required")
	}
	task, err := s.queue.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status, req.UpdateResult)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// HeartbeatRequest is the request body for POST /api/v1/tasks/:id/heartbeat.
type HeartbeatRequest struct {
	Worker string `json:"worker"`
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ref, err := store.ParseWorkerRef(req.Worker)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.queue.Heartbeat(c.Request().Context(), c.Param("id"), ref); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRetry(c echo.Context) error {
	task, err := s.queue.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// DependencyRequest is the request body for POST /api/v1/tasks/:id/dependencies.
type DependencyRequest struct {
	DependsOn string `json:"depends_on"`
}

func (s *Server) handleAddDependency(c echo.Context) error {
	var req DependencyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DependsOn == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "depends_on field is required")
	}
	if err := s.queue.AddDependency(c.Request().Context(), c.Param("id"), req.DependsOn); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleWorkerTask(c echo.Context) error {
	if _, err := store.ParseWorkerRef(c.Param("ref")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	task, err := s.resolver.Resolve(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return httpError(err)
	}
	if task == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, task)
}
