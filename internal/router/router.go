package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Dtcsrni/omr-review/internal/config"
	"github.com/Dtcsrni/omr-review/internal/handler"
	"github.com/Dtcsrni/omr-review/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	CaptureHandler *handler.CaptureHandler
	ReviewHandler  *handler.ReviewHandler
	BatchHandler   *handler.BatchHandler
	JWTMiddleware  fiber.Handler
	HealthChecks   map[string]handler.DependencyCheck
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.CaptureHandler != nil {
		deps.CaptureHandler.Register(api.Group("/capture", jwtMiddleware))
	}
	if deps.ReviewHandler != nil {
		deps.ReviewHandler.Register(api.Group("/review", jwtMiddleware))
	}
	if deps.BatchHandler != nil {
		deps.BatchHandler.Register(api.Group("/batches", jwtMiddleware))
	}
}
