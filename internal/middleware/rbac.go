package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/peergramming/peer-testing/internal/utils"
)

// RequireRole admits principals whose stored role is one of roles. It must
// run after LoadPrincipal.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(c *fiber.Ctx) error {
		user, ok := PrincipalFromContext(c)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}
		if !allowed[user.Role] {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}
