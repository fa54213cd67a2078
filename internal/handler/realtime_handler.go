package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/middleware"
	"github.com/noah-isme/gema-chat-api/internal/realtime"
)

const (
	localUserID  = "ws_user_id"
	localBaseCtx = "ws_base_ctx"
)

// RealtimeHandler upgrades authenticated requests to the event socket.
type RealtimeHandler struct {
	gateway *realtime.Gateway
	ctx     context.Context
	logger  zerolog.Logger
}

// NewRealtimeHandler builds the websocket endpoint. Event handling of every
// connection runs under ctx.
func NewRealtimeHandler(ctx context.Context, gateway *realtime.Gateway, logger zerolog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		gateway: gateway,
		ctx:     ctx,
		logger:  logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds the websocket route. The router must run JWTProtected first.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/ws", h.upgrade)
	router.Get("/ws", websocket.New(h.serve))
}

func (h *RealtimeHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	userID := middleware.UserID(c)
	if userID == "" {
		return fiber.ErrUnauthorized
	}

	c.Locals(localUserID, userID)
	c.Locals(localBaseCtx, middleware.ContextWithCorrelation(h.ctx, middleware.GetCorrelationID(c)))
	return c.Next()
}

func (h *RealtimeHandler) serve(conn *websocket.Conn) {
	userID, _ := conn.Locals(localUserID).(string)
	ctx, ok := conn.Locals(localBaseCtx).(context.Context)
	if !ok {
		ctx = h.ctx
	}

	logger := h.logger.With().Str("user_id", userID).Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).Logger()
	logger.Debug().Msg("websocket connected")
	h.gateway.Serve(ctx, conn, userID)
	logger.Debug().Msg("websocket disconnected")
}
