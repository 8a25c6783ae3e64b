/*
Package inventory is the HTTP surface of the stock ledger and the daily
reconciliation sheet.

Handlers stay thin: they parse the request, call the stock service, the
reconciliation engine or the coordinator hub, and return typed errors that
ErrorHandler turns into JSON.
*/
package inventory

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"stokraf-backend/internal/errs"
	"stokraf-backend/internal/stock"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Available *int   `json:"available,omitempty"`
	Requested *int   `json:"requested,omitempty"`
}

// ErrorHandler maps the errs taxonomy to HTTP statuses.
func ErrorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message, Code: "http"})
		}

		status, resp := classify(err)
		if status >= fiber.StatusInternalServerError {
			log.Error("request failed",
				"method", c.Method(), "path", c.Path(), "status", status, "error", err)
		}
		return c.Status(status).JSON(resp)
	}
}

func classify(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var insufficient *errs.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		resp.Code = "insufficient_stock"
		resp.Available = &insufficient.Available
		resp.Requested = &insufficient.Requested
		return fiber.StatusConflict, resp
	case errors.Is(err, errs.ErrValidation):
		resp.Code = "validation"
		return fiber.StatusBadRequest, resp
	case errors.Is(err, errs.ErrNotFound):
		resp.Code = "not_found"
		return fiber.StatusNotFound, resp
	case errors.Is(err, errs.ErrForbidden):
		resp.Code = "forbidden"
		return fiber.StatusForbidden, resp
	case errors.Is(err, stock.ErrContended):
		resp.Code = "contended"
		return fiber.StatusConflict, resp
	case errors.Is(err, errs.ErrIndeterminate):
		resp.Code = "indeterminate"
		return fiber.StatusServiceUnavailable, resp
	case errors.Is(err, errs.ErrPersistence):
		resp.Code = "persistence"
		resp.Error = "the store could not complete the request"
		return fiber.StatusInternalServerError, resp
	}
	resp.Code = "internal"
	resp.Error = "unexpected server error"
	return fiber.StatusInternalServerError, resp
}
