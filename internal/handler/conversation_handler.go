package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/middleware"
	"github.com/noah-isme/gema-chat-api/internal/service"
	"github.com/noah-isme/gema-chat-api/internal/utils"
)

// ConversationHandler exposes conversation lifecycle and membership endpoints.
type ConversationHandler struct {
	conversations service.ConversationService
	messages      service.MessageService
	receipts      service.ReceiptService
	notifier      Notifier
	logger        zerolog.Logger
}

// NewConversationHandler constructs a conversation handler.
func NewConversationHandler(
	conversations service.ConversationService,
	messages service.MessageService,
	receipts service.ReceiptService,
	notifier Notifier,
	logger zerolog.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		receipts:      receipts,
		notifier:      notifier,
		logger:        logger.With().Str("component", "conversation_handler").Logger(),
	}
}

// Register wires conversation routes.
func (h *ConversationHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Post("/direct", h.createDirect)
	router.Post("/groups", h.createGroup)
	router.Get("/:id", h.get)
	router.Patch("/:id", h.updateGroup)
	router.Post("/:id/participants", h.addParticipants)
	router.Delete("/:id/participants/:userId", h.removeParticipant)
	router.Post("/:id/leave", h.leave)
	router.Post("/:id/close", h.closeDirect)
	router.Patch("/:id/settings", h.updateSettings)
	router.Get("/:id/messages", h.listMessages)
	router.Post("/:id/read", h.markRead)
	router.Post("/:id/unread/reconcile", h.reconcileUnread)
}

func (h *ConversationHandler) list(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid limit", string(service.KindValidation), nil)
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid offset", string(service.KindValidation), nil)
	}

	query := dto.ConversationListQuery{Archived: c.QueryBool("archived"), Limit: limit, Offset: offset}
	items, err := h.conversations.List(requestContext(c), middleware.UserID(c), query)
	if err != nil {
		return sendServiceError(c, h.logger, err, "list conversations")
	}

	return utils.OK(c, items, "conversations retrieved", fiber.Map{"count": len(items), "offset": offset})
}

func (h *ConversationHandler) createDirect(c *fiber.Ctx) error {
	var req dto.CreateDirectRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	conversation, created, err := h.conversations.CreateDirect(requestContext(c), middleware.UserID(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "create direct conversation")
	}

	if created {
		return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "conversation created", conversation)
	}
	return utils.SendSuccess(c, "conversation retrieved", conversation)
}

func (h *ConversationHandler) createGroup(c *fiber.Ctx) error {
	var req dto.CreateGroupRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	ctx := requestContext(c)
	change, err := h.conversations.CreateGroup(ctx, middleware.UserID(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "create group")
	}
	notify(c, h.logger, "conversation_updated", h.notifier.ConversationChanged(ctx, change))

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "group created", change.Conversation)
}

func (h *ConversationHandler) get(c *fiber.Ctx) error {
	conversation, err := h.conversations.Get(requestContext(c), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "get conversation")
	}
	return utils.SendSuccess(c, "conversation retrieved", conversation)
}

func (h *ConversationHandler) updateGroup(c *fiber.Ctx) error {
	var req dto.UpdateGroupRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	ctx := requestContext(c)
	change, err := h.conversations.UpdateGroup(ctx, middleware.UserID(c), c.Params("id"), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "update group")
	}
	notify(c, h.logger, "conversation_updated", h.notifier.ConversationChanged(ctx, change))

	return utils.SendSuccess(c, "group updated", change.Conversation)
}

func (h *ConversationHandler) addParticipants(c *fiber.Ctx) error {
	var req dto.AddParticipantsRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	ctx := requestContext(c)
	change, err := h.conversations.AddParticipants(ctx, middleware.UserID(c), c.Params("id"), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "add participants")
	}
	notify(c, h.logger, "participants_changed", h.notifier.ConversationChanged(ctx, change))

	return utils.SendSuccess(c, "participants added", change)
}

func (h *ConversationHandler) removeParticipant(c *fiber.Ctx) error {
	ctx := requestContext(c)
	change, err := h.conversations.RemoveParticipant(ctx, middleware.UserID(c), c.Params("id"), c.Params("userId"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "remove participant")
	}
	notify(c, h.logger, "participants_changed", h.notifier.ConversationChanged(ctx, change))

	return utils.SendSuccess(c, "participant removed", change)
}

func (h *ConversationHandler) leave(c *fiber.Ctx) error {
	ctx := requestContext(c)
	change, err := h.conversations.Leave(ctx, middleware.UserID(c), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "leave conversation")
	}
	notify(c, h.logger, "participants_changed", h.notifier.ConversationChanged(ctx, change))

	return utils.SendSuccess(c, "left conversation", change)
}

func (h *ConversationHandler) closeDirect(c *fiber.Ctx) error {
	if err := h.conversations.CloseDirect(requestContext(c), middleware.UserID(c), c.Params("id")); err != nil {
		return sendServiceError(c, h.logger, err, "close conversation")
	}
	return utils.SendSuccess(c, "conversation closed", nil)
}

func (h *ConversationHandler) updateSettings(c *fiber.Ctx) error {
	var req dto.ParticipantSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	membership, err := h.conversations.UpdateSettings(requestContext(c), middleware.UserID(c), c.Params("id"), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "update settings")
	}
	return utils.SendSuccess(c, "settings updated", membership)
}

func (h *ConversationHandler) listMessages(c *fiber.Ctx) error {
	before, err := parseQueryTime(c, "before")
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid before timestamp", string(service.KindValidation), nil)
	}
	after, err := parseQueryTime(c, "after")
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid after timestamp", string(service.KindValidation), nil)
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid limit", string(service.KindValidation), nil)
	}

	query := dto.MessageListQuery{Before: before, After: after, Limit: limit}
	items, err := h.messages.List(requestContext(c), middleware.UserID(c), c.Params("id"), query)
	if err != nil {
		return sendServiceError(c, h.logger, err, "list messages")
	}

	return utils.OK(c, items, "messages retrieved", fiber.Map{"count": len(items)})
}

func (h *ConversationHandler) markRead(c *fiber.Ctx) error {
	req := dto.MarkReadRequest{ConversationID: c.Params("id")}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return invalidBody(c)
		}
		req.ConversationID = c.Params("id")
	}

	ctx := requestContext(c)
	update, err := h.receipts.MarkRead(ctx, middleware.UserID(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "mark read")
	}
	notify(c, h.logger, "messages_read", h.notifier.Read(ctx, update))

	return utils.SendSuccess(c, "conversation marked read", update)
}

func (h *ConversationHandler) reconcileUnread(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	count, err := h.receipts.ReconcileUnread(requestContext(c), middleware.UserID(c), conversationID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "reconcile unread")
	}
	return utils.SendSuccess(c, "unread count reconciled", dto.UnreadUpdate{ConversationID: conversationID, UnreadCount: count})
}
