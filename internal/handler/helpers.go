package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/middleware"
	"github.com/noah-isme/gema-chat-api/internal/service"
	"github.com/noah-isme/gema-chat-api/internal/utils"
)

// Notifier pushes the outcome of REST mutations to connected clients.
type Notifier interface {
	MessageCreated(ctx context.Context, message dto.MessageResponse, participantIDs []string) error
	MessageUpdated(ctx context.Context, message dto.MessageResponse) error
	MessageDeleted(ctx context.Context, actorID string, deletion dto.MessageDeletion) error
	ReactionsUpdated(ctx context.Context, update dto.ReactionsUpdate) error
	PinChanged(ctx context.Context, update dto.PinUpdate) error
	Read(ctx context.Context, update dto.ReceiptUpdate) error
	Delivered(ctx context.Context, update dto.ReceiptUpdate, except string) error
	ConversationChanged(ctx context.Context, change dto.ConversationChange) error
	Typing(ctx context.Context, typing dto.TypingUsers) error
}

// TypingLister reads the users currently typing in a conversation.
type TypingLister interface {
	TypingUsers(ctx context.Context, conversationID string) ([]string, error)
}

func splitAndTrim(input string) []string {
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func parseQueryTime(c *fiber.Ctx, key string) (*time.Time, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		builder := base.With()
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			builder = builder.Str("correlation_id", correlation)
		}
		if userID := middleware.UserID(c); userID != "" {
			builder = builder.Str("user_id", userID)
		}
		logger = builder.Logger()
	}
	return &logger
}

// requestContext carries the correlation id of the request into service calls.
func requestContext(c *fiber.Ctx) context.Context {
	return middleware.ContextWithCorrelation(c.UserContext(), middleware.GetCorrelationID(c))
}

func statusForKind(kind service.ErrorKind) int {
	switch kind {
	case service.KindValidation:
		return fiber.StatusBadRequest
	case service.KindForbidden:
		return fiber.StatusForbidden
	case service.KindNotFound:
		return fiber.StatusNotFound
	case service.KindConflict:
		return fiber.StatusConflict
	default:
		return fiber.StatusServiceUnavailable
	}
}

// sendServiceError maps a chat service failure onto the HTTP response.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error, action string) error {
	kind := service.KindOf(err)
	status := statusForKind(kind)
	if status >= fiber.StatusInternalServerError {
		requestLogger(logger, c).Error().Err(err).Msg(action + " failed")
	}
	return utils.Fail(c, status, service.ReasonOf(err), string(kind), nil)
}

func invalidBody(c *fiber.Ctx) error {
	return utils.Fail(c, fiber.StatusBadRequest, "invalid request body", string(service.KindValidation), nil)
}

// notify logs fanout failures; the mutation already succeeded and the response must not fail.
func notify(c *fiber.Ctx, logger zerolog.Logger, event string, err error) {
	if err != nil {
		requestLogger(logger, c).Warn().Err(err).Str("event", event).Msg("realtime notification failed")
	}
}
