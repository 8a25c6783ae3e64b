package inventory

import (
	"github.com/gofiber/fiber/v2"

	"stokraf-backend/internal/auth"
	"stokraf-backend/internal/stock"
)

type QuantityRequest struct {
	Quantity int `json:"quantity"`
}

type AdjustRequest struct {
	Delta  int    `json:"delta"`
	Source string `json:"source"` // "admin" (default) or "checkout"
}

// GET /api/products
func ListProductsHandler(svc *stock.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := svc.ListStock(c.UserContext(), auth.PrincipalFrom(c))
		if err != nil {
			return err
		}
		return c.JSON(list)
	}
}

// GET /api/products/:id/stock
func GetStockHandler(svc *stock.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		st, err := svc.GetStockStatus(c.UserContext(), auth.PrincipalFrom(c), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(st)
	}
}

// POST /api/products/:id/transfer {quantity}
// Moves quantity from the warehouse to the shelf.
func TransferHandler(svc *stock.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body QuantityRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
		st, err := svc.Transfer(c.UserContext(), auth.PrincipalFrom(c), c.Params("id"), body.Quantity)
		if err != nil {
			return err
		}
		return c.JSON(st)
	}
}

// POST /api/products/:id/restock {quantity}
func RestockHandler(svc *stock.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body QuantityRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
		st, err := svc.RestockWarehouse(c.UserContext(), auth.PrincipalFrom(c), c.Params("id"), body.Quantity)
		if err != nil {
			return err
		}
		return c.JSON(st)
	}
}

// POST /api/products/:id/adjust {delta, source}
// Checkout decrements need no token; admin corrections do.
func AdjustHandler(svc *stock.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body AdjustRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
		source, err := stock.ParseAdjustSource(body.Source)
		if err != nil {
			return err
		}
		st, err := svc.AdjustShelfStock(c.UserContext(), auth.PrincipalFrom(c), c.Params("id"), body.Delta, source)
		if err != nil {
			return err
		}
		return c.JSON(st)
	}
}
