package presenter

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Error string `json:"error"`
}

// OK wraps a successful response.
func OK(c echo.Context, payload any) error {
	return c.JSON(http.StatusOK, payload)
}

func Created(c echo.Context, payload any) error {
	return c.JSON(http.StatusCreated, payload)
}

func BadRequest(c echo.Context, err error) error {
	return BadRequestMessage(c, err.Error())
}

func BadRequestMessage(c echo.Context, msg string) error {
	slog.DebugContext(c.Request().Context(), "bad request", slog.String("error", msg), slog.String("module", "rest"))
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func NotFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, errorResponse{Error: msg})
}

func Conflict(c echo.Context, msg string) error {
	return c.JSON(http.StatusConflict, errorResponse{Error: msg})
}

func BadGateway(c echo.Context, err error) error {
	slog.WarnContext(c.Request().Context(), "upstream error", slog.String("error", err.Error()), slog.String("module", "rest"))
	return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
}

func InternalError(c echo.Context, err error) error {
	slog.ErrorContext(c.Request().Context(), "internal error", slog.String("error", err.Error()), slog.String("module", "rest"))
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}
