package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/middleware"
	"github.com/noah-isme/gema-chat-api/internal/service"
	"github.com/noah-isme/gema-chat-api/internal/utils"
)

const maxPresenceQuery = 200

// PresenceHandler serves presence and typing lookups for clients that are not connected.
type PresenceHandler struct {
	presence      service.PresenceTracker
	conversations service.ConversationService
	logger        zerolog.Logger
}

// NewPresenceHandler constructs a presence handler.
func NewPresenceHandler(presence service.PresenceTracker, conversations service.ConversationService, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence:      presence,
		conversations: conversations,
		logger:        logger.With().Str("component", "presence_handler").Logger(),
	}
}

// Register wires presence routes.
func (h *PresenceHandler) Register(router fiber.Router) {
	router.Get("", h.presenceOf)
	router.Get("/typing/:conversationId", h.typing)
}

func (h *PresenceHandler) presenceOf(c *fiber.Ctx) error {
	userIDs := splitAndTrim(c.Query("user_ids"))
	if len(userIDs) == 0 || len(userIDs) > maxPresenceQuery {
		return utils.Fail(c, fiber.StatusBadRequest, "user_ids must list between 1 and 200 users", string(service.KindValidation), nil)
	}

	states, err := h.presence.Presence(requestContext(c), userIDs)
	if err != nil {
		requestLogger(h.logger, c).Warn().Err(err).Msg("presence lookup failed, reporting offline")
		states = make(map[string]dto.PresenceResponse, len(userIDs))
	}

	items := make([]dto.PresenceResponse, 0, len(userIDs))
	for _, userID := range userIDs {
		state, ok := states[userID]
		if !ok {
			state = dto.PresenceResponse{UserID: userID}
		}
		items = append(items, state)
	}

	return utils.SendSuccess(c, "presence retrieved", items)
}

func (h *PresenceHandler) typing(c *fiber.Ctx) error {
	ctx := requestContext(c)
	conversationID := c.Params("conversationId")
	if err := h.conversations.RequireParticipant(ctx, conversationID, middleware.UserID(c)); err != nil {
		return sendServiceError(c, h.logger, err, "typing lookup")
	}

	userIDs, err := h.presence.TypingUsers(ctx, conversationID)
	if err != nil {
		requestLogger(h.logger, c).Warn().Err(err).Msg("typing lookup failed")
	}
	if userIDs == nil {
		userIDs = []string{}
	}

	return utils.SendSuccess(c, "typing users retrieved", dto.TypingUsers{ConversationID: conversationID, UserIDs: userIDs})
}
