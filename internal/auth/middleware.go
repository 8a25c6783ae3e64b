package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const CtxPrincipalKey = "principal"

// JWTMiddleware puts a Principal in c.Locals. A request without an
// Authorization header continues as Anonymous; a malformed or invalid token
// is rejected.
func JWTMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			c.Locals(CtxPrincipalKey, Anonymous)
			return c.Next()
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return fiber.NewError(fiber.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
		}

		claims, err := ParseToken(secret, strings.TrimSpace(parts[1]))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
		}

		c.Locals(CtxPrincipalKey, Principal{UserID: claims.UserID, ClaimedRole: claims.Role})
		return c.Next()
	}
}

// PrincipalFrom returns the request principal, Anonymous if none was set.
func PrincipalFrom(c *fiber.Ctx) Principal {
	p, ok := c.Locals(CtxPrincipalKey).(Principal)
	if !ok {
		return Anonymous
	}
	return p
}

// RequireAdmin rejects the request unless the stored role is administrative.
func RequireAdmin(v *Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, err := v.RequireAdmin(c.UserContext(), PrincipalFrom(c)); err != nil {
			return err
		}
		return c.Next()
	}
}
