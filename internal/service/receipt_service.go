package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

// ReceiptService tracks delivery and read state per participant.
type ReceiptService interface {
	MarkDelivered(ctx context.Context, userID string, req dto.MarkDeliveredRequest) (dto.ReceiptUpdate, error)
	MarkAllDelivered(ctx context.Context, userID, conversationID string) (dto.ReceiptUpdate, error)
	MarkRead(ctx context.Context, userID string, req dto.MarkReadRequest) (dto.ReceiptUpdate, error)
	ReconcileUnread(ctx context.Context, userID, conversationID string) (int64, error)
}

type receiptService struct {
	messages  repository.MessageRepository
	receipts  repository.ReceiptRepository
	access    accessChecker
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewReceiptService creates the delivery/read tracker.
func NewReceiptService(repos MessageRepositories, validate *validator.Validate, logger zerolog.Logger) ReceiptService {
	return &receiptService{
		messages:  repos.Messages,
		receipts:  repos.Receipts,
		access:    accessChecker{conversations: repos.Conversations, participants: repos.Participants},
		validator: validate,
		logger:    logger.With().Str("component", "receipt_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat-api/internal/service/receipt"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *receiptService) MarkDelivered(ctx context.Context, userID string, req dto.MarkDeliveredRequest) (dto.ReceiptUpdate, error) {
	ctx, span := s.tracer.Start(ctx, "chat.receipt.mark_delivered", trace.WithAttributes(
		attribute.String("chat.conversation_id", req.ConversationID),
		attribute.Int("chat.message_count", len(req.MessageIDs)),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.ReceiptUpdate{}, validationError(err)
	}

	unread, err := s.participantOf(ctx, req.ConversationID, userID)
	if err != nil {
		return dto.ReceiptUpdate{}, err
	}

	at := s.now()
	affected, err := s.receipts.MarkDelivered(ctx, req.ConversationID, userID, uniqueStrings(req.MessageIDs), at)
	if err != nil {
		span.RecordError(err)
		return dto.ReceiptUpdate{}, unavailable(err)
	}

	return dto.ReceiptUpdate{
		ConversationID: req.ConversationID,
		UserID:         userID,
		MessageIDs:     affected,
		At:             at,
		UnreadCount:    unread,
	}, nil
}

func (s *receiptService) MarkAllDelivered(ctx context.Context, userID, conversationID string) (dto.ReceiptUpdate, error) {
	ctx, span := s.tracer.Start(ctx, "chat.receipt.mark_all_delivered", trace.WithAttributes(attribute.String("chat.conversation_id", conversationID)))
	defer span.End()

	unread, err := s.participantOf(ctx, conversationID, userID)
	if err != nil {
		return dto.ReceiptUpdate{}, err
	}

	at := s.now()
	affected, err := s.receipts.MarkAllDelivered(ctx, conversationID, userID, at)
	if err != nil {
		span.RecordError(err)
		return dto.ReceiptUpdate{}, unavailable(err)
	}

	return dto.ReceiptUpdate{
		ConversationID: conversationID,
		UserID:         userID,
		MessageIDs:     affected,
		At:             at,
		UnreadCount:    unread,
	}, nil
}

// MarkRead resets the unread counter to zero and records read receipts up to the
// referenced message, or for the whole conversation when none is given.
func (s *receiptService) MarkRead(ctx context.Context, userID string, req dto.MarkReadRequest) (dto.ReceiptUpdate, error) {
	ctx, span := s.tracer.Start(ctx, "chat.receipt.mark_read", trace.WithAttributes(attribute.String("chat.conversation_id", req.ConversationID)))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.ReceiptUpdate{}, validationError(err)
	}
	if _, err := s.participantOf(ctx, req.ConversationID, userID); err != nil {
		return dto.ReceiptUpdate{}, err
	}

	mark := repository.ReadMark{
		ConversationID: req.ConversationID,
		UserID:         userID,
		At:             s.now(),
	}
	if req.MessageID != nil && *req.MessageID != "" {
		reference, err := s.messages.FindByID(ctx, *req.MessageID)
		if err != nil {
			return dto.ReceiptUpdate{}, storeError(err, ErrMessageNotFound)
		}
		if reference.ConversationID != req.ConversationID {
			return dto.ReceiptUpdate{}, ErrMessageNotFound
		}
		seq := reference.Seq
		mark.UpToSeq = &seq
	}

	affected, err := s.receipts.MarkRead(ctx, mark)
	if err != nil {
		span.RecordError(err)
		return dto.ReceiptUpdate{}, storeError(err, ErrNotParticipant)
	}

	return dto.ReceiptUpdate{
		ConversationID: req.ConversationID,
		UserID:         userID,
		MessageIDs:     affected,
		At:             mark.At,
		UnreadCount:    0,
	}, nil
}

// ReconcileUnread recomputes the unread counter from the read set and stores it.
func (s *receiptService) ReconcileUnread(ctx context.Context, userID, conversationID string) (int64, error) {
	_, participant, err := s.access.activeMember(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	count, err := s.receipts.CountUnread(ctx, conversationID, userID, participant.JoinedAt)
	if err != nil {
		return 0, unavailable(err)
	}
	if count != participant.UnreadCount {
		s.logger.Info().
			Str("conversation_id", conversationID).
			Str("user_id", userID).
			Int64("stored", participant.UnreadCount).
			Int64("computed", count).
			Msg("reconciling unread counter")
	}
	if err := s.receipts.SetUnread(ctx, conversationID, userID, count); err != nil {
		return 0, storeError(err, ErrNotParticipant)
	}
	return count, nil
}

// participantOf authorizes an active participant and returns their unread counter.
func (s *receiptService) participantOf(ctx context.Context, conversationID, userID string) (int64, error) {
	_, participant, err := s.access.activeMember(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return participant.UnreadCount, nil
}
