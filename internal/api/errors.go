package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/subscription"
)

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{Error: code, Message: message}
}

// handleError maps a service error to a status code by its category.
// Internal causes are logged and not echoed to the client.
func (s *Server) handleError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, subscription.ErrNotSubscribed):
		return c.JSON(http.StatusNotFound, newErrorResponse("not_subscribed", err.Error()))
	case errors.Is(err, subscription.ErrInvalidCredentials):
		return c.JSON(http.StatusUnauthorized, newErrorResponse("invalid_credentials", err.Error()))
	}

	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return c.JSON(http.StatusBadRequest, newErrorResponse("invalid", err.Error()))
	case errors.CategoryNotFound:
		return c.JSON(http.StatusNotFound, newErrorResponse("not_found", err.Error()))
	case errors.CategoryBusy:
		return c.JSON(http.StatusConflict, newErrorResponse("busy", err.Error()))
	case errors.CategoryContention:
		s.logError(c, err)
		return c.JSON(http.StatusServiceUnavailable, newErrorResponse("unavailable", "storage is busy, try again"))
	default:
		s.logError(c, err)
		return c.JSON(http.StatusInternalServerError, newErrorResponse("internal", "internal error"))
	}
}

func (s *Server) logError(c echo.Context, err error) {
	s.log.WithContext(c.Request().Context()).Error("request failed",
		logger.String("method", c.Request().Method),
		logger.String("path", c.Path()),
		logger.String("ip", c.RealIP()),
		logger.Error(err))
}
