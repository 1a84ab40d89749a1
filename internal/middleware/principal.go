package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/peergramming/peer-testing/internal/models"
	"github.com/peergramming/peer-testing/internal/utils"
)

const principalKey = "principal"

// UserLoader resolves an authenticated user id to its account.
type UserLoader interface {
	GetByID(ctx context.Context, id uint) (models.User, error)
}

// LoadPrincipal resolves the token subject to a stored user.
func LoadPrincipal(users UserLoader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals("user_id").(uint)
		if !ok || userID == 0 {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}

		user, err := users.GetByID(c.UserContext(), userID)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "unknown user")
		}

		c.Locals(principalKey, user)
		return c.Next()
	}
}

// PrincipalFromContext returns the user bound by LoadPrincipal.
func PrincipalFromContext(c *fiber.Ctx) (models.User, bool) {
	user, ok := c.Locals(principalKey).(models.User)
	return user, ok
}

// SetPrincipal binds a user to the request. Used by tests and internal callers.
func SetPrincipal(c *fiber.Ctx, user models.User) {
	c.Locals("user_id", user.ID)
	c.Locals(principalKey, user)
}

// RequireTeacher rejects requests from non-teacher principals.
func RequireTeacher() fiber.Handler {
	return RequireRole(models.RoleTeacher)
}
