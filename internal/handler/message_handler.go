package handler

import (
	"context"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/middleware"
	"github.com/noah-isme/gema-chat-api/internal/service"
	"github.com/noah-isme/gema-chat-api/internal/utils"
)

// MessageHandler exposes message endpoints mirroring the realtime events.
type MessageHandler struct {
	messages      service.MessageService
	conversations service.ConversationService
	receipts      service.ReceiptService
	typing        TypingLister
	notifier      Notifier
	logger        zerolog.Logger
}

// NewMessageHandler constructs a message handler.
func NewMessageHandler(
	messages service.MessageService,
	conversations service.ConversationService,
	receipts service.ReceiptService,
	typing TypingLister,
	notifier Notifier,
	logger zerolog.Logger,
) *MessageHandler {
	return &MessageHandler{
		messages:      messages,
		conversations: conversations,
		receipts:      receipts,
		typing:        typing,
		notifier:      notifier,
		logger:        logger.With().Str("component", "message_handler").Logger(),
	}
}

// Register wires message routes. Write routes are expected to sit behind a rate limiter.
func (h *MessageHandler) Register(router fiber.Router) {
	router.Post("", h.send)
	router.Post("/delivered", h.markDelivered)
	router.Get("/:id", h.get)
	router.Patch("/:id", h.edit)
	router.Delete("/:id", h.delete)
	router.Post("/:id/reactions", h.toggleReaction)
	router.Put("/:id/reactions/:emoji", h.addReaction)
	router.Delete("/:id/reactions/:emoji", h.removeReaction)
	router.Post("/:id/pin", h.pin)
	router.Delete("/:id/pin", h.unpin)
}

func (h *MessageHandler) send(c *fiber.Ctx) error {
	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	ctx := requestContext(c)
	message, err := h.messages.Send(ctx, middleware.UserID(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "send message")
	}

	participants, err := h.conversations.ActiveParticipantIDs(ctx, message.ConversationID)
	if err != nil {
		requestLogger(h.logger, c).Warn().Err(err).Msg("participants lookup failed, broadcasting to the conversation room only")
	}
	notify(c, h.logger, "new_message", h.notifier.MessageCreated(ctx, message, participants))
	h.notifyTyping(ctx, c, message.ConversationID)

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

// notifyTyping publishes the typers left after a send cleared the sender's indicator.
func (h *MessageHandler) notifyTyping(ctx context.Context, c *fiber.Ctx, conversationID string) {
	if h.typing == nil {
		return
	}
	users, err := h.typing.TypingUsers(ctx, conversationID)
	if err != nil {
		requestLogger(h.logger, c).Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to list typing users")
		return
	}
	if users == nil {
		users = []string{}
	}
	notify(c, h.logger, "typing_update", h.notifier.Typing(ctx, dto.TypingUsers{ConversationID: conversationID, UserIDs: users}))
}

func (h *MessageHandler) get(c *fiber.Ctx) error {
	message, err := h.messages.Get(requestContext(c), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "get message")
	}
	return utils.SendSuccess(c, "message retrieved", message)
}

func (h *MessageHandler) edit(c *fiber.Ctx) error {
	var req dto.EditMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}
	req.MessageID = c.Params("id")

	ctx := requestContext(c)
	message, err := h.messages.Edit(ctx, middleware.UserID(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "edit message")
	}
	notify(c, h.logger, "message_updated", h.notifier.MessageUpdated(ctx, message))

	return utils.SendSuccess(c, "message updated", message)
}

func (h *MessageHandler) delete(c *fiber.Ctx) error {
	req := dto.DeleteMessageRequest{MessageID: c.Params("id"), ForEveryone: c.QueryBool("for_everyone")}

	ctx := requestContext(c)
	actorID := middleware.UserID(c)
	deletion, err := h.messages.Delete(ctx, actorID, req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "delete message")
	}
	notify(c, h.logger, "message_deleted", h.notifier.MessageDeleted(ctx, actorID, deletion))

	return utils.SendSuccess(c, "message deleted", deletion)
}

func (h *MessageHandler) markDelivered(c *fiber.Ctx) error {
	var req dto.MarkDeliveredRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	ctx := requestContext(c)
	update, err := h.receipts.MarkDelivered(ctx, middleware.UserID(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "mark delivered")
	}
	notify(c, h.logger, "messages_delivered", h.notifier.Delivered(ctx, update, ""))

	return utils.SendSuccess(c, "messages marked delivered", update)
}

func (h *MessageHandler) toggleReaction(c *fiber.Ctx) error {
	var req dto.ReactionRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}
	req.MessageID = c.Params("id")
	return h.react(c, req, h.messages.ToggleReaction)
}

func (h *MessageHandler) addReaction(c *fiber.Ctx) error {
	req := dto.ReactionRequest{MessageID: c.Params("id"), Emoji: emojiParam(c)}
	return h.react(c, req, h.messages.AddReaction)
}

func (h *MessageHandler) removeReaction(c *fiber.Ctx) error {
	req := dto.ReactionRequest{MessageID: c.Params("id"), Emoji: emojiParam(c)}
	return h.react(c, req, h.messages.RemoveReaction)
}

type reactionOp func(ctx context.Context, actorID string, req dto.ReactionRequest) (dto.ReactionsUpdate, error)

func (h *MessageHandler) react(c *fiber.Ctx, req dto.ReactionRequest, op reactionOp) error {
	ctx := requestContext(c)
	update, err := op(ctx, middleware.UserID(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "react")
	}
	notify(c, h.logger, "reactions_updated", h.notifier.ReactionsUpdated(ctx, update))

	return utils.SendSuccess(c, "reactions updated", update)
}

func (h *MessageHandler) pin(c *fiber.Ctx) error {
	return h.setPinned(c, h.messages.Pin)
}

func (h *MessageHandler) unpin(c *fiber.Ctx) error {
	return h.setPinned(c, h.messages.Unpin)
}

func (h *MessageHandler) setPinned(c *fiber.Ctx, op func(ctx context.Context, actorID string, req dto.PinRequest) (dto.PinUpdate, error)) error {
	ctx := requestContext(c)
	update, err := op(ctx, middleware.UserID(c), dto.PinRequest{MessageID: c.Params("id")})
	if err != nil {
		return sendServiceError(c, h.logger, err, "pin message")
	}
	notify(c, h.logger, "message_pinned", h.notifier.PinChanged(ctx, update))

	return utils.SendSuccess(c, "pin updated", update)
}

// emojiParam decodes the percent-encoded emoji path segment.
func emojiParam(c *fiber.Ctx) string {
	raw := c.Params("emoji")
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}
