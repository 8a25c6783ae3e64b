package auth

import (
	"github.com/gofiber/fiber/v2"

	"stokraf-backend/internal/models"
)

type MeResponse struct {
	UserID         string          `json:"user_id"`
	Name           string          `json:"name"`
	Role           models.UserRole `json:"role"`
	Administrative bool            `json:"administrative"`
}

// GET /api/auth/me
// Returns the caller as the role store sees it, not as the token claims.
func MeHandler(v *Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := v.RequireOperator(c.UserContext(), PrincipalFrom(c))
		if err != nil {
			return err
		}
		return c.JSON(MeResponse{
			UserID:         user.ID,
			Name:           user.Name,
			Role:           user.Role,
			Administrative: user.Role.Administrative(),
		})
	}
}
