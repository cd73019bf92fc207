package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/dispatchd/internal/phase"
)

// CreateTicketRequest is the request body for POST /api/v1/tickets.
type CreateTicketRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

func (s *Server) handleCreateTicket(c echo.Context) error {
	var req CreateTicketRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title field is required")
	}

	tk, err := s.phases.CreateTicket(c.Request().Context(), phase.CreateTicketRequest{
		Title:       req.Title,
		Description: req.Description,
		Context:     req.Context,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, tk)
}

func (s *Server) handleListTickets(c echo.Context) error {
	tickets, err := s.store.ListTickets(c.Request().Context(), c.QueryParam("status"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(c echo.Context) error {
	tk, err := s.store.GetTicket(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tk)
}

func (s *Server) handleTicketTasks(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.store.GetTicket(ctx, c.Param("id")); err != nil {
		return httpError(err)
	}
	byPhase, err := s.queue.ListByPhase(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, byPhase)
}

// handleSpawn re-runs phase-entry task spawning for the ticket's
// current phase. Spawning is idempotent, so this is a safe recovery
// step after a missed transition event.
func (s *Server) handleSpawn(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.phases.HandleTicketEntered(ctx, id); err != nil {
		return httpError(err)
	}
	byPhase, err := s.queue.ListByPhase(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, byPhase)
}

func (s *Server) handleGate(c echo.Context) error {
	eval, err := s.phases.Gate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, eval)
}

// AdvanceRequest is the request body for POST /api/v1/tickets/:id/advance.
// Without force, the gate decides; with force, target and reason are
// required and the gate is bypassed.
type AdvanceRequest struct {
	Force  bool   `json:"force,omitempty"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleAdvance(c echo.Context) error {
	var req AdvanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	if req.Force {
		if req.Target == "" || req.Reason == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "force advance requires target and reason")
		}
		if err := s.phases.ForceAdvance(ctx, id, req.Target, req.Reason); err != nil {
			return httpError(err)
		}
		tk, err := s.store.GetTicket(ctx, id)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, tk)
	}

	eval, err := s.phases.Advance(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !eval.Passed {
		return c.JSON(http.StatusConflict, eval)
	}
	return c.JSON(http.StatusOK, eval)
}
