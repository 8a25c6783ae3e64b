package inventory

import (
	"github.com/gofiber/fiber/v2"

	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/coordinator"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/reconcile"
)

type SaveDayRequest struct {
	Rows []models.DailyOperation `json:"rows"`
}

type EditFieldRequest struct {
	Field string `json:"field"`
	Value *int   `json:"value"`
}

type EditFieldResponse struct {
	Row reconcile.Row `json:"row"`
	reconcile.SaveResult
}

type PresenceRequest struct {
	EditingResourceID string `json:"editing_resource_id"`
}

// DailyHandlers serves the reconciliation sheet.
type DailyHandlers struct {
	Engine   *reconcile.Engine
	Hub      *coordinator.Hub
	Verifier *auth.Verifier
}

// GET /api/daily-operations/:day
// Stored rows plus a virtual row for every tracked product without one.
func (h DailyHandlers) Load() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, err := h.Verifier.RequireOperator(c.UserContext(), auth.PrincipalFrom(c)); err != nil {
			return err
		}
		rows, err := h.Engine.LoadDay(c.UserContext(), c.Params("day"))
		if err != nil {
			return err
		}
		return c.JSON(rows)
	}
}

// PUT /api/daily-operations/:day {rows}
func (h DailyHandlers) Save() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body SaveDayRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
		p := auth.PrincipalFrom(c)
		day := c.Params("day")

		ids := make([]string, 0, len(body.Rows))
		for _, r := range body.Rows {
			ids = append(ids, r.ProductID)
		}
		h.Hub.NoteSave(p, day, ids...)

		res, err := h.Engine.SaveDay(c.UserContext(), p, day, body.Rows)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// PATCH /api/daily-operations/:day/:productId {field, value}
func (h DailyHandlers) EditField() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body EditFieldRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
		if body.Field == "" || body.Value == nil {
			return fiber.NewError(fiber.StatusBadRequest, "field and value are required")
		}
		p := auth.PrincipalFrom(c)
		day, productID := c.Params("day"), c.Params("productId")

		h.Hub.NoteSave(p, day, productID)
		row, res, err := h.Engine.EditField(c.UserContext(), p, day, productID, body.Field, *body.Value)
		if err != nil {
			return err
		}
		return c.JSON(EditFieldResponse{Row: row, SaveResult: res})
	}
}

// POST /api/daily-operations/:day/presence {editing_resource_id}
// Marks the caller's open sessions as active.
func (h DailyHandlers) Presence() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body PresenceRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
			}
		}
		p := auth.PrincipalFrom(c)
		if _, err := h.Verifier.RequireOperator(c.UserContext(), p); err != nil {
			return err
		}
		h.Hub.Touch(p, c.Params("day"), body.EditingResourceID)
		return c.SendStatus(fiber.StatusNoContent)
	}
}
