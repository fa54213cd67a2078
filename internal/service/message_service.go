package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/observability"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

const (
	defaultMaxMessageLength = 4000
	defaultMaxAttachments   = 10
	previewLength           = 120
)

// MessageLimits bounds the size of a message.
type MessageLimits struct {
	MaxLength      int
	MaxAttachments int
}

// TypingClearer removes a user's typing indicator.
type TypingClearer interface {
	ClearTyping(ctx context.Context, conversationID, userID string) error
}

// MessageRepositories groups the stores the message service reads and writes.
type MessageRepositories struct {
	Conversations repository.ConversationRepository
	Participants  repository.ParticipantRepository
	Messages      repository.MessageRepository
	Reactions     repository.ReactionRepository
	Receipts      repository.ReceiptRepository
	Profiles      repository.UserProfileRepository
}

// MessageService implements the message lifecycle of a conversation.
type MessageService interface {
	Send(ctx context.Context, senderID string, req dto.SendMessageRequest) (dto.MessageResponse, error)
	PostSystemMessage(ctx context.Context, conversationID, actorID, content string) (dto.MessageResponse, error)
	Edit(ctx context.Context, actorID string, req dto.EditMessageRequest) (dto.MessageResponse, error)
	Delete(ctx context.Context, actorID string, req dto.DeleteMessageRequest) (dto.MessageDeletion, error)
	Get(ctx context.Context, actorID, messageID string) (dto.MessageResponse, error)
	List(ctx context.Context, actorID, conversationID string, query dto.MessageListQuery) ([]dto.MessageResponse, error)
	ToggleReaction(ctx context.Context, actorID string, req dto.ReactionRequest) (dto.ReactionsUpdate, error)
	AddReaction(ctx context.Context, actorID string, req dto.ReactionRequest) (dto.ReactionsUpdate, error)
	RemoveReaction(ctx context.Context, actorID string, req dto.ReactionRequest) (dto.ReactionsUpdate, error)
	Pin(ctx context.Context, actorID string, req dto.PinRequest) (dto.PinUpdate, error)
	Unpin(ctx context.Context, actorID string, req dto.PinRequest) (dto.PinUpdate, error)
}

type messageService struct {
	repos     MessageRepositories
	access    accessChecker
	typing    TypingClearer
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	limits    MessageLimits
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewMessageService creates a message service. typing may be nil.
func NewMessageService(repos MessageRepositories, typing TypingClearer, validate *validator.Validate, limits MessageLimits, logger zerolog.Logger) MessageService {
	if limits.MaxLength <= 0 {
		limits.MaxLength = defaultMaxMessageLength
	}
	if limits.MaxAttachments <= 0 {
		limits.MaxAttachments = defaultMaxAttachments
	}

	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &messageService{
		repos:     repos,
		access:    accessChecker{conversations: repos.Conversations, participants: repos.Participants},
		typing:    typing,
		validator: validate,
		sanitizer: sanitizer,
		limits:    limits,
		logger:    logger.With().Str("component", "message_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat-api/internal/service/message"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *messageService) Send(ctx context.Context, senderID string, req dto.SendMessageRequest) (dto.MessageResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.message.send", trace.WithAttributes(
		attribute.String("chat.conversation_id", req.ConversationID),
		attribute.String("chat.sender_id", senderID),
	))
	defer span.End()

	response, err := s.send(ctx, senderID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	return response, err
}

func (s *messageService) send(ctx context.Context, senderID string, req dto.SendMessageRequest) (dto.MessageResponse, error) {
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if err := s.validator.Struct(req); err != nil {
		return dto.MessageResponse{}, validationError(err)
	}

	content, err := s.cleanContent(req.Content)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if len(req.Attachments) > s.limits.MaxAttachments {
		return dto.MessageResponse{}, ErrTooManyAttachments
	}
	if content == "" && len(req.Attachments) == 0 {
		return dto.MessageResponse{}, ErrEmptyMessage
	}

	if _, _, err := s.access.activeMember(ctx, req.ConversationID, senderID); err != nil {
		return dto.MessageResponse{}, err
	}

	attachments := make([]models.Attachment, 0, len(req.Attachments))
	for _, attachment := range req.Attachments {
		attachments = append(attachments, attachment.ToModel())
	}

	message := models.Message{
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           resolveMessageType(req.Type, attachments),
		Attachments:    attachments,
	}

	if req.ReplyTo != nil && strings.TrimSpace(*req.ReplyTo) != "" {
		replyID := strings.TrimSpace(*req.ReplyTo)
		target, err := s.repos.Messages.FindByID(ctx, replyID)
		if err != nil {
			return dto.MessageResponse{}, storeError(err, ErrInvalidReply)
		}
		if target.ConversationID != req.ConversationID {
			return dto.MessageResponse{}, ErrInvalidReply
		}
		message.ReplyToID = &replyID
	}

	if len(req.Mentions) > 0 {
		mentions, err := s.filterMentions(ctx, req.ConversationID, senderID, req.Mentions)
		if err != nil {
			return dto.MessageResponse{}, err
		}
		message.MentionIDs = mentions
	}

	if err := s.repos.Messages.Append(ctx, &message, previewOf(message)); err != nil {
		return dto.MessageResponse{}, storeError(err, ErrConversationNotFound)
	}

	observability.ChatMessagesSent().WithLabelValues(string(message.Type)).Inc()

	if s.typing != nil {
		if err := s.typing.ClearTyping(ctx, message.ConversationID, senderID); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", message.ConversationID).Msg("failed to clear typing indicator")
		}
	}

	return s.hydrateOne(ctx, message)
}

func (s *messageService) PostSystemMessage(ctx context.Context, conversationID, actorID, content string) (dto.MessageResponse, error) {
	message := models.Message{
		ConversationID: conversationID,
		SenderID:       actorID,
		Content:        content,
		Type:           models.MessageSystem,
	}
	if err := s.repos.Messages.Append(ctx, &message, previewOf(message)); err != nil {
		return dto.MessageResponse{}, storeError(err, ErrConversationNotFound)
	}

	observability.ChatMessagesSent().WithLabelValues(string(message.Type)).Inc()
	return s.hydrateOne(ctx, message)
}

func (s *messageService) Edit(ctx context.Context, actorID string, req dto.EditMessageRequest) (dto.MessageResponse, error) {
	ctx, span := s.tracer.Start(ctx, "chat.message.edit", trace.WithAttributes(attribute.String("chat.message_id", req.MessageID)))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.MessageResponse{}, validationError(err)
	}

	content, err := s.cleanContent(req.Content)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if content == "" {
		return dto.MessageResponse{}, ErrEmptyMessage
	}

	message, err := s.repos.Messages.FindByID(ctx, req.MessageID)
	if err != nil {
		return dto.MessageResponse{}, storeError(err, ErrMessageNotFound)
	}
	if message.IsDeleted {
		return dto.MessageResponse{}, ErrMessageNotFound
	}
	if message.SenderID != actorID || message.Type == models.MessageSystem {
		return dto.MessageResponse{}, ErrNotSender
	}
	if _, _, err := s.access.activeMember(ctx, message.ConversationID, actorID); err != nil {
		return dto.MessageResponse{}, err
	}

	edited := message
	edited.Content = content
	updated, err := s.repos.Messages.Edit(ctx, message.ID, content, previewOf(edited), s.now())
	if err != nil {
		span.RecordError(err)
		return dto.MessageResponse{}, storeError(err, ErrMessageNotFound)
	}

	return s.hydrateOne(ctx, updated)
}

func (s *messageService) Delete(ctx context.Context, actorID string, req dto.DeleteMessageRequest) (dto.MessageDeletion, error) {
	ctx, span := s.tracer.Start(ctx, "chat.message.delete", trace.WithAttributes(
		attribute.String("chat.message_id", req.MessageID),
		attribute.Bool("chat.for_everyone", req.ForEveryone),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.MessageDeletion{}, validationError(err)
	}

	message, err := s.repos.Messages.FindByID(ctx, req.MessageID)
	if err != nil {
		return dto.MessageDeletion{}, storeError(err, ErrMessageNotFound)
	}

	if !req.ForEveryone {
		if _, _, err := s.access.member(ctx, message.ConversationID, actorID); err != nil {
			return dto.MessageDeletion{}, err
		}
		if err := s.repos.Messages.Hide(ctx, message.ID, actorID); err != nil {
			return dto.MessageDeletion{}, unavailable(err)
		}
		response, err := s.hydrateOne(ctx, message)
		if err != nil {
			return dto.MessageDeletion{}, err
		}
		return dto.MessageDeletion{Message: response}, nil
	}

	if message.IsDeleted {
		return dto.MessageDeletion{}, ErrMessageNotFound
	}
	if message.SenderID != actorID {
		return dto.MessageDeletion{}, ErrNotSender
	}
	if _, _, err := s.access.activeMember(ctx, message.ConversationID, actorID); err != nil {
		return dto.MessageDeletion{}, err
	}

	tombstoned, err := s.repos.Messages.Tombstone(ctx, message.ID, s.now())
	if err != nil {
		span.RecordError(err)
		return dto.MessageDeletion{}, storeError(err, ErrMessageNotFound)
	}

	response, err := s.hydrateOne(ctx, tombstoned)
	if err != nil {
		return dto.MessageDeletion{}, err
	}
	return dto.MessageDeletion{Message: response, ForEveryone: true}, nil
}

func (s *messageService) Get(ctx context.Context, actorID, messageID string) (dto.MessageResponse, error) {
	message, err := s.repos.Messages.FindByID(ctx, messageID)
	if err != nil {
		return dto.MessageResponse{}, storeError(err, ErrMessageNotFound)
	}

	_, participant, err := s.access.member(ctx, message.ConversationID, actorID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if !participant.IsActive && participant.LeftAt != nil && message.CreatedAt.After(*participant.LeftAt) {
		return dto.MessageResponse{}, ErrMessageNotFound
	}

	hidden, err := s.repos.Messages.IsHidden(ctx, message.ID, actorID)
	if err != nil {
		return dto.MessageResponse{}, unavailable(err)
	}
	if hidden {
		return dto.MessageResponse{}, ErrMessageNotFound
	}

	return s.hydrateOne(ctx, message)
}

func (s *messageService) List(ctx context.Context, actorID, conversationID string, query dto.MessageListQuery) ([]dto.MessageResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, validationError(err)
	}

	_, participant, err := s.access.member(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}

	filter := repository.MessageFilter{
		ViewerID: actorID,
		Before:   query.Before,
		After:    query.After,
		Limit:    query.Limit,
	}
	if !participant.IsActive {
		filter.Until = participant.LeftAt
	}

	messages, err := s.repos.Messages.List(ctx, conversationID, filter)
	if err != nil {
		return nil, unavailable(err)
	}
	return s.hydrate(ctx, messages)
}

func (s *messageService) ToggleReaction(ctx context.Context, actorID string, req dto.ReactionRequest) (dto.ReactionsUpdate, error) {
	return s.react(ctx, "toggle", actorID, req, s.repos.Reactions.Toggle)
}

func (s *messageService) AddReaction(ctx context.Context, actorID string, req dto.ReactionRequest) (dto.ReactionsUpdate, error) {
	return s.react(ctx, "add", actorID, req, func(ctx context.Context, messageID, userID, emoji string) (bool, error) {
		_, err := s.repos.Reactions.Add(ctx, messageID, userID, emoji)
		return true, err
	})
}

func (s *messageService) RemoveReaction(ctx context.Context, actorID string, req dto.ReactionRequest) (dto.ReactionsUpdate, error) {
	return s.react(ctx, "remove", actorID, req, func(ctx context.Context, messageID, userID, emoji string) (bool, error) {
		_, err := s.repos.Reactions.Remove(ctx, messageID, userID, emoji)
		return false, err
	})
}

// reactionOp applies a reaction change and reports whether the reaction exists afterwards.
type reactionOp func(ctx context.Context, messageID, userID, emoji string) (bool, error)

func (s *messageService) react(ctx context.Context, op, actorID string, req dto.ReactionRequest, apply reactionOp) (dto.ReactionsUpdate, error) {
	ctx, span := s.tracer.Start(ctx, "chat.message.reaction", trace.WithAttributes(
		attribute.String("chat.message_id", req.MessageID),
		attribute.String("chat.reaction_op", op),
	))
	defer span.End()

	req.Emoji = strings.TrimSpace(req.Emoji)
	if err := s.validator.Struct(req); err != nil {
		return dto.ReactionsUpdate{}, validationError(err)
	}

	message, err := s.liveMessage(ctx, actorID, req.MessageID)
	if err != nil {
		return dto.ReactionsUpdate{}, err
	}

	before, err := s.repos.Reactions.ListByMessages(ctx, []string{message.ID})
	if err != nil {
		return dto.ReactionsUpdate{}, unavailable(err)
	}

	present, err := apply(ctx, message.ID, actorID, req.Emoji)
	if err != nil {
		span.RecordError(err)
		return dto.ReactionsUpdate{}, unavailable(err)
	}

	reactions, err := s.repos.Reactions.ListByMessages(ctx, []string{message.ID})
	if err != nil {
		return dto.ReactionsUpdate{}, unavailable(err)
	}

	return dto.ReactionsUpdate{
		ConversationID: message.ConversationID,
		MessageID:      message.ID,
		UserID:         actorID,
		Emoji:          req.Emoji,
		Added:          present,
		Changed:        len(before) != len(reactions),
		Reactions:      dto.NewReactionResponseSlice(reactions),
	}, nil
}

func (s *messageService) Pin(ctx context.Context, actorID string, req dto.PinRequest) (dto.PinUpdate, error) {
	return s.setPinned(ctx, actorID, req, true)
}

func (s *messageService) Unpin(ctx context.Context, actorID string, req dto.PinRequest) (dto.PinUpdate, error) {
	return s.setPinned(ctx, actorID, req, false)
}

func (s *messageService) setPinned(ctx context.Context, actorID string, req dto.PinRequest, pinned bool) (dto.PinUpdate, error) {
	ctx, span := s.tracer.Start(ctx, "chat.message.pin", trace.WithAttributes(
		attribute.String("chat.message_id", req.MessageID),
		attribute.Bool("chat.pinned", pinned),
	))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.PinUpdate{}, validationError(err)
	}

	message, err := s.liveMessage(ctx, actorID, req.MessageID)
	if err != nil {
		return dto.PinUpdate{}, err
	}

	updated, _, err := s.repos.Messages.SetPinned(ctx, message.ID, pinned, actorID, s.now())
	if err != nil {
		span.RecordError(err)
		return dto.PinUpdate{}, storeError(err, ErrMessageNotFound)
	}
	if updated.IsDeleted {
		return dto.PinUpdate{}, ErrMessageNotFound
	}

	pinnedIDs, err := s.repos.Messages.PinnedIDs(ctx, []string{message.ConversationID})
	if err != nil {
		return dto.PinUpdate{}, unavailable(err)
	}
	ids := pinnedIDs[message.ConversationID]
	if ids == nil {
		ids = []string{}
	}

	return dto.PinUpdate{
		ConversationID:   updated.ConversationID,
		MessageID:        updated.ID,
		IsPinned:         updated.IsPinned,
		PinnedBy:         updated.PinnedBy,
		PinnedAt:         updated.PinnedAt,
		PinnedMessageIDs: ids,
	}, nil
}

// liveMessage loads a non-tombstoned message the actor can act on.
func (s *messageService) liveMessage(ctx context.Context, actorID, messageID string) (models.Message, error) {
	message, err := s.repos.Messages.FindByID(ctx, messageID)
	if err != nil {
		return models.Message{}, storeError(err, ErrMessageNotFound)
	}
	if message.IsDeleted {
		return models.Message{}, ErrMessageNotFound
	}
	if _, _, err := s.access.activeMember(ctx, message.ConversationID, actorID); err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (s *messageService) cleanContent(raw string) (string, error) {
	content := strings.TrimSpace(s.sanitizer.Sanitize(raw))
	if utf8.RuneCountInString(content) > s.limits.MaxLength {
		return "", ErrMessageTooLong
	}
	return content, nil
}

func (s *messageService) filterMentions(ctx context.Context, conversationID, senderID string, mentions []string) ([]string, error) {
	active, err := s.repos.Participants.ActiveUserIDs(ctx, conversationID)
	if err != nil {
		return nil, unavailable(err)
	}
	allowed := make(map[string]struct{}, len(active))
	for _, id := range active {
		allowed[id] = struct{}{}
	}

	out := make([]string, 0, len(mentions))
	seen := make(map[string]struct{}, len(mentions))
	for _, mention := range mentions {
		mention = strings.TrimSpace(mention)
		if mention == "" || mention == senderID {
			continue
		}
		if _, ok := allowed[mention]; !ok {
			continue
		}
		if _, dup := seen[mention]; dup {
			continue
		}
		seen[mention] = struct{}{}
		out = append(out, mention)
	}
	return out, nil
}

func (s *messageService) hydrateOne(ctx context.Context, message models.Message) (dto.MessageResponse, error) {
	responses, err := s.hydrate(ctx, []models.Message{message})
	if err != nil {
		return dto.MessageResponse{}, err
	}
	return responses[0], nil
}

// hydrate attaches reactions, receipts, sender profiles and reply summaries in batches.
func (s *messageService) hydrate(ctx context.Context, messages []models.Message) ([]dto.MessageResponse, error) {
	out := make([]dto.MessageResponse, 0, len(messages))
	if len(messages) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(messages))
	senders := make([]string, 0, len(messages))
	replies := make([]string, 0)
	for _, message := range messages {
		ids = append(ids, message.ID)
		senders = append(senders, message.SenderID)
		if message.ReplyToID != nil {
			replies = append(replies, *message.ReplyToID)
		}
	}

	reactions, err := s.repos.Reactions.ListByMessages(ctx, ids)
	if err != nil {
		return nil, unavailable(err)
	}
	receipts, err := s.repos.Receipts.ListByMessages(ctx, ids)
	if err != nil {
		return nil, unavailable(err)
	}
	profiles, err := s.repos.Profiles.FindByIDs(ctx, uniqueStrings(senders))
	if err != nil {
		return nil, unavailable(err)
	}
	replyTargets, err := s.repos.Messages.FindByIDs(ctx, uniqueStrings(replies))
	if err != nil {
		return nil, unavailable(err)
	}

	reactionsByMessage := make(map[string][]models.MessageReaction, len(ids))
	for _, reaction := range reactions {
		reactionsByMessage[reaction.MessageID] = append(reactionsByMessage[reaction.MessageID], reaction)
	}
	receiptsByMessage := make(map[string][]models.MessageReceipt, len(ids))
	for _, receipt := range receipts {
		receiptsByMessage[receipt.MessageID] = append(receiptsByMessage[receipt.MessageID], receipt)
	}
	replyByID := make(map[string]models.Message, len(replyTargets))
	for _, target := range replyTargets {
		replyByID[target.ID] = target
	}

	for _, message := range messages {
		response := dto.NewMessageResponse(message)

		var profile *models.UserProfile
		if found, ok := profiles[message.SenderID]; ok {
			profile = &found
		}
		sender := dto.NewUserSummary(message.SenderID, profile)
		response.Sender = &sender

		response.Reactions = dto.NewReactionResponseSlice(reactionsByMessage[message.ID])
		for _, receipt := range receiptsByMessage[message.ID] {
			entry := dto.ReceiptEntry{UserID: receipt.UserID, At: receipt.At}
			if receipt.Kind == models.ReceiptRead {
				response.ReadBy = append(response.ReadBy, entry)
			} else {
				response.DeliveredTo = append(response.DeliveredTo, entry)
			}
		}

		if message.ReplyToID != nil {
			if target, ok := replyByID[*message.ReplyToID]; ok {
				summary := dto.NewReplySummary(target)
				response.ReplyTo = &summary
			}
		}

		out = append(out, response)
	}
	return out, nil
}

func resolveMessageType(requested string, attachments []models.Attachment) models.MessageType {
	if requested != "" {
		return models.MessageType(requested)
	}
	if len(attachments) > 0 && attachments[0].Type != "" {
		return attachments[0].Type
	}
	return models.MessageText
}

func previewOf(message models.Message) string {
	content := strings.TrimSpace(message.Content)
	if content == "" && len(message.Attachments) > 0 {
		return "[" + string(message.Attachments[0].Type) + "]"
	}
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "..."
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
