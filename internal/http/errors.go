package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/dispatchd/internal/phase"
	"github.com/fyrsmithlabs/dispatchd/internal/queue"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
)

// httpError maps domain errors onto HTTP status codes. Anything
// unrecognized surfaces as a 500 with the error text intact.
func httpError(err error) error {
	var (
		validation *queue.ValidationError
		transition *queue.InvalidTransitionError
		terminal   *phase.TerminalPhaseError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, validation.Error())
	case errors.As(err, &transition):
		return echo.NewHTTPError(http.StatusConflict, transition.Error())
	case errors.As(err, &terminal):
		return echo.NewHTTPError(http.StatusConflict, terminal.Error())
	case errors.Is(err, queue.ErrRetriesExhausted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
