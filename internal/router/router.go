package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/peergramming/peer-testing/internal/config"
	"github.com/peergramming/peer-testing/internal/handler"
	"github.com/peergramming/peer-testing/internal/middleware"
	"github.com/peergramming/peer-testing/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	CourseHandler        *handler.CourseHandler
	SubmissionHandler    *handler.SubmissionHandler
	TestMatchHandler     *handler.TestMatchHandler
	FeedbackGroupHandler *handler.FeedbackGroupHandler
	NotificationHandler  *handler.NotificationHandler
	HealthProbes         []handler.HealthProbe
	JWTMiddleware        fiber.Handler
	Users                middleware.UserLoader
	// ExecutionLimiter guards the routes that queue test executions.
	ExecutionLimiter     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	secured := []fiber.Handler{jwtMiddleware}
	if deps.Users != nil {
		secured = append(secured, middleware.LoadPrincipal(deps.Users))
	}

	authed := api.Group("", secured...)
	if deps.ExecutionLimiter != nil {
		authed.Post("/courseworks/:cw/submissions", deps.ExecutionLimiter)
		authed.Post("/courseworks/:cw/test-matches", deps.ExecutionLimiter)
	}

	if deps.CourseHandler != nil {
		deps.CourseHandler.Register(authed)
	}
	if deps.SubmissionHandler != nil {
		deps.SubmissionHandler.Register(authed)
	}
	if deps.TestMatchHandler != nil {
		deps.TestMatchHandler.Register(authed)
	}
	if deps.FeedbackGroupHandler != nil {
		deps.FeedbackGroupHandler.Register(authed)
	}
	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(authed.Group("/notifications"))
	}
}
