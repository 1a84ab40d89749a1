package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/peergramming/peer-testing/internal/utils"
)

// ExecutionRateLimit throttles requests that queue test executions. Requests
// are counted per authenticated user, or per client IP before LoadPrincipal
// has run. A non-positive max disables the limiter.
func ExecutionRateLimit(max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	if window <= 0 {
		window = time.Minute
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			if user, ok := PrincipalFromContext(c); ok && user.ID != 0 {
				return "executions:user:" + strconv.FormatUint(uint64(user.ID), 10)
			}
			return "executions:ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many test executions requested, try again later")
		},
	})
}
