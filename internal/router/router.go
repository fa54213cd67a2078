package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat-api/internal/config"
	"github.com/noah-isme/gema-chat-api/internal/handler"
	"github.com/noah-isme/gema-chat-api/internal/middleware"
	"github.com/noah-isme/gema-chat-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ConversationHandler *handler.ConversationHandler
	MessageHandler      *handler.MessageHandler
	PresenceHandler     *handler.PresenceHandler
	UploadHandler       *handler.UploadHandler
	RealtimeHandler     *handler.RealtimeHandler
	// Readiness checks backing stores; optional.
	Readiness     fiber.Handler
	JWTMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	if deps.Readiness != nil {
		api.Get("/ready", deps.Readiness)
	}

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = middleware.JWTProtected(cfg.JWTSecret)
	}
	writes := middleware.RateLimit("writes", cfg.WriteRateLimit, time.Minute)

	if deps.RealtimeHandler != nil {
		deps.RealtimeHandler.Register(api.Group("/realtime", jwtMiddleware))
	}

	if deps.ConversationHandler != nil {
		deps.ConversationHandler.Register(api.Group("/conversations", jwtMiddleware, writesOnly(writes)))
	}

	if deps.MessageHandler != nil {
		deps.MessageHandler.Register(api.Group("/messages", jwtMiddleware, writesOnly(writes)))
	}

	if deps.PresenceHandler != nil {
		deps.PresenceHandler.Register(api.Group("/presence", jwtMiddleware))
	}

	if deps.UploadHandler != nil {
		uploads := middleware.RateLimit("uploads", cfg.WriteRateLimit/4, time.Minute)
		deps.UploadHandler.Register(api.Group("/uploads", jwtMiddleware, uploads))
	}
}

// writesOnly applies limiter to mutating requests and lets reads through.
func writesOnly(limiter fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}
		return limiter(c)
	}
}
