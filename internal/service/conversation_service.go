package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

// ConversationService manages conversations and their membership.
type ConversationService interface {
	CreateDirect(ctx context.Context, actorID string, req dto.CreateDirectRequest) (dto.ConversationResponse, bool, error)
	CreateGroup(ctx context.Context, actorID string, req dto.CreateGroupRequest) (dto.ConversationChange, error)
	Get(ctx context.Context, actorID, conversationID string) (dto.ConversationResponse, error)
	List(ctx context.Context, actorID string, query dto.ConversationListQuery) ([]dto.ConversationResponse, error)
	UpdateGroup(ctx context.Context, actorID, conversationID string, req dto.UpdateGroupRequest) (dto.ConversationChange, error)
	AddParticipants(ctx context.Context, actorID, conversationID string, req dto.AddParticipantsRequest) (dto.ConversationChange, error)
	RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) (dto.ConversationChange, error)
	Leave(ctx context.Context, actorID, conversationID string) (dto.ConversationChange, error)
	UpdateSettings(ctx context.Context, actorID, conversationID string, req dto.ParticipantSettingsRequest) (dto.ParticipantResponse, error)
	CloseDirect(ctx context.Context, actorID, conversationID string) error
	RequireParticipant(ctx context.Context, conversationID, userID string) error
	ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
}

type conversationService struct {
	conversations repository.ConversationRepository
	participants  repository.ParticipantRepository
	messages      repository.MessageRepository
	profiles      repository.UserProfileRepository
	posts         MessageService
	access        accessChecker
	validator     *validator.Validate
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewConversationService creates a conversation service. System messages are posted through posts.
func NewConversationService(repos MessageRepositories, posts MessageService, validate *validator.Validate, logger zerolog.Logger) ConversationService {
	return &conversationService{
		conversations: repos.Conversations,
		participants:  repos.Participants,
		messages:      repos.Messages,
		profiles:      repos.Profiles,
		posts:         posts,
		access:        accessChecker{conversations: repos.Conversations, participants: repos.Participants},
		validator:     validate,
		logger:        logger.With().Str("component", "conversation_service").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/gema-chat-api/internal/service/conversation"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *conversationService) CreateDirect(ctx context.Context, actorID string, req dto.CreateDirectRequest) (dto.ConversationResponse, bool, error) {
	ctx, span := s.tracer.Start(ctx, "chat.conversation.create_direct", trace.WithAttributes(attribute.String("chat.actor_id", actorID)))
	defer span.End()

	req.UserID = strings.TrimSpace(req.UserID)
	if err := s.validator.Struct(req); err != nil {
		return dto.ConversationResponse{}, false, validationError(err)
	}
	if req.UserID == actorID {
		return dto.ConversationResponse{}, false, ErrSelfConversation
	}

	key := models.DirectPairKey(actorID, req.UserID)
	now := s.now()

	existing, err := s.conversations.FindByDirectKey(ctx, key)
	if err == nil {
		response, err := s.reopenDirect(ctx, existing.ID, actorID, now)
		return response, false, err
	}
	if !isRecordNotFound(err) {
		return dto.ConversationResponse{}, false, unavailable(err)
	}

	conversation := models.Conversation{
		Kind:      models.ConversationDirect,
		DirectKey: &key,
		CreatorID: actorID,
		IsActive:  true,
	}
	participants := []models.ConversationParticipant{
		{UserID: actorID, Role: models.RoleAdmin, IsActive: true, JoinedAt: now},
		{UserID: req.UserID, Role: models.RoleAdmin, IsActive: true, JoinedAt: now},
	}

	if err := s.conversations.Create(ctx, &conversation, participants); err != nil {
		if !repository.IsUniqueViolation(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create direct conversation")
			return dto.ConversationResponse{}, false, unavailable(err)
		}

		// Lost a creation race for the same pair; the winner's row is the conversation.
		winner, lookupErr := s.conversations.FindByDirectKey(ctx, key)
		if lookupErr != nil {
			s.logger.Error().Err(lookupErr).Str("direct_key", key).Msg("direct conversation missing after unique violation")
			return dto.ConversationResponse{}, false, ErrDirectConflict
		}
		response, err := s.reopenDirect(ctx, winner.ID, actorID, now)
		return response, false, err
	}

	response, err := s.load(ctx, conversation.ID, actorID)
	return response, true, err
}

func (s *conversationService) reopenDirect(ctx context.Context, conversationID, actorID string, now time.Time) (dto.ConversationResponse, error) {
	if err := s.conversations.Reopen(ctx, conversationID, now); err != nil {
		return dto.ConversationResponse{}, storeError(err, ErrConversationNotFound)
	}
	return s.load(ctx, conversationID, actorID)
}

func (s *conversationService) CreateGroup(ctx context.Context, actorID string, req dto.CreateGroupRequest) (dto.ConversationChange, error) {
	ctx, span := s.tracer.Start(ctx, "chat.conversation.create_group", trace.WithAttributes(attribute.String("chat.actor_id", actorID)))
	defer span.End()

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return dto.ConversationChange{}, ErrGroupNameRequired
	}
	if err := s.validator.Struct(req); err != nil {
		return dto.ConversationChange{}, validationError(err)
	}

	others := normalizeUserIDs(req.ParticipantIDs, actorID)
	if len(others) < 2 {
		return dto.ConversationChange{}, ErrGroupTooSmall
	}

	now := s.now()
	conversation := models.Conversation{
		Kind:        models.ConversationGroup,
		CreatorID:   actorID,
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		Avatar:      strings.TrimSpace(req.Avatar),
		IsActive:    true,
	}

	participants := make([]models.ConversationParticipant, 0, len(others)+1)
	participants = append(participants, models.ConversationParticipant{UserID: actorID, Role: models.RoleAdmin, IsActive: true, JoinedAt: now})
	for i, userID := range others {
		participants = append(participants, models.ConversationParticipant{
			UserID:   userID,
			Role:     models.RoleMember,
			IsActive: true,
			JoinedAt: now.Add(time.Duration(i+1) * time.Microsecond),
		})
	}

	if err := s.conversations.Create(ctx, &conversation, participants); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create group")
		return dto.ConversationChange{}, unavailable(err)
	}

	names := s.displayNames(ctx, []string{actorID})
	change, err := s.change(ctx, conversation.ID, actorID, fmt.Sprintf("%s created the group \"%s\"", names[actorID], conversation.Name))
	if err != nil {
		return dto.ConversationChange{}, err
	}
	change.AddedUserIDs = append([]string{actorID}, others...)
	return change, nil
}

func (s *conversationService) Get(ctx context.Context, actorID, conversationID string) (dto.ConversationResponse, error) {
	if _, _, err := s.access.member(ctx, conversationID, actorID); err != nil {
		return dto.ConversationResponse{}, err
	}
	return s.load(ctx, conversationID, actorID)
}

func (s *conversationService) List(ctx context.Context, actorID string, query dto.ConversationListQuery) ([]dto.ConversationResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, validationError(err)
	}

	conversations, err := s.conversations.ListForUser(ctx, actorID, repository.ConversationFilter{
		Archived: query.Archived,
		Limit:    query.Limit,
		Offset:   query.Offset,
	})
	if err != nil {
		return nil, unavailable(err)
	}

	ids := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		ids = append(ids, conversation.ID)
	}

	participants, err := s.participants.ListByConversations(ctx, ids)
	if err != nil {
		return nil, unavailable(err)
	}
	pinned, err := s.messages.PinnedIDs(ctx, ids)
	if err != nil {
		return nil, unavailable(err)
	}

	byConversation := make(map[string][]models.ConversationParticipant, len(ids))
	for _, participant := range participants {
		byConversation[participant.ConversationID] = append(byConversation[participant.ConversationID], participant)
	}

	out := make([]dto.ConversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		out = append(out, dto.NewConversationResponse(conversation, byConversation[conversation.ID], pinned[conversation.ID], actorID))
	}
	return out, nil
}

func (s *conversationService) UpdateGroup(ctx context.Context, actorID, conversationID string, req dto.UpdateGroupRequest) (dto.ConversationChange, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ConversationChange{}, validationError(err)
	}

	conversation, err := s.requireAdmin(ctx, conversationID, actorID)
	if err != nil {
		return dto.ConversationChange{}, err
	}

	updates := make(map[string]interface{})
	renamed := false
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return dto.ConversationChange{}, ErrGroupNameRequired
		}
		if name != conversation.Name {
			updates["name"] = name
			renamed = true
		}
	}
	if req.Description != nil {
		updates["description"] = strings.TrimSpace(*req.Description)
	}
	if req.Avatar != nil {
		updates["avatar"] = strings.TrimSpace(*req.Avatar)
	}

	updated, err := s.conversations.Update(ctx, conversationID, updates)
	if err != nil {
		return dto.ConversationChange{}, storeError(err, ErrConversationNotFound)
	}

	if !renamed {
		response, err := s.load(ctx, conversationID, actorID)
		return dto.ConversationChange{Conversation: response}, err
	}

	names := s.displayNames(ctx, []string{actorID})
	return s.change(ctx, conversationID, actorID, fmt.Sprintf("%s renamed the group to \"%s\"", names[actorID], updated.Name))
}

func (s *conversationService) AddParticipants(ctx context.Context, actorID, conversationID string, req dto.AddParticipantsRequest) (dto.ConversationChange, error) {
	ctx, span := s.tracer.Start(ctx, "chat.conversation.add_participants", trace.WithAttributes(attribute.String("chat.conversation_id", conversationID)))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.ConversationChange{}, validationError(err)
	}
	if _, err := s.requireAdmin(ctx, conversationID, actorID); err != nil {
		return dto.ConversationChange{}, err
	}

	candidates := normalizeUserIDs(req.UserIDs, actorID)
	if len(candidates) == 0 {
		response, err := s.load(ctx, conversationID, actorID)
		return dto.ConversationChange{Conversation: response, AddedUserIDs: []string{}}, err
	}

	added, err := s.participants.AddMembers(ctx, conversationID, candidates, s.now())
	if err != nil {
		span.RecordError(err)
		return dto.ConversationChange{}, unavailable(err)
	}
	if len(added) == 0 {
		response, err := s.load(ctx, conversationID, actorID)
		return dto.ConversationChange{Conversation: response, AddedUserIDs: []string{}}, err
	}

	names := s.displayNames(ctx, append([]string{actorID}, added...))
	addedNames := make([]string, 0, len(added))
	for _, userID := range added {
		addedNames = append(addedNames, names[userID])
	}

	change, err := s.change(ctx, conversationID, actorID, fmt.Sprintf("%s added %s", names[actorID], strings.Join(addedNames, ", ")))
	if err != nil {
		return dto.ConversationChange{}, err
	}
	change.AddedUserIDs = added
	return change, nil
}

func (s *conversationService) RemoveParticipant(ctx context.Context, actorID, conversationID, userID string) (dto.ConversationChange, error) {
	ctx, span := s.tracer.Start(ctx, "chat.conversation.remove_participant", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("chat.target_id", userID),
	))
	defer span.End()

	conversation, err := s.requireAdmin(ctx, conversationID, actorID)
	if err != nil {
		return dto.ConversationChange{}, err
	}
	if userID == conversation.CreatorID {
		return dto.ConversationChange{}, ErrCreatorRemoval
	}
	if userID == actorID {
		return s.Leave(ctx, actorID, conversationID)
	}

	outcome, err := s.participants.Deactivate(ctx, conversationID, userID, s.now())
	if err != nil {
		return dto.ConversationChange{}, storeError(err, ErrParticipantNotFound)
	}

	names := s.displayNames(ctx, []string{actorID, userID})
	change, err := s.change(ctx, conversationID, actorID, fmt.Sprintf("%s removed %s", names[actorID], names[userID]))
	if err != nil {
		return dto.ConversationChange{}, err
	}
	change.RemovedUserIDs = []string{userID}
	change.PromotedUserID = outcome.PromotedUserID
	return change, nil
}

func (s *conversationService) Leave(ctx context.Context, actorID, conversationID string) (dto.ConversationChange, error) {
	conversation, _, err := s.access.activeMember(ctx, conversationID, actorID)
	if err != nil {
		return dto.ConversationChange{}, err
	}
	if !conversation.IsGroup() {
		return dto.ConversationChange{}, ErrGroupOnly
	}

	outcome, err := s.participants.Deactivate(ctx, conversationID, actorID, s.now())
	if err != nil {
		return dto.ConversationChange{}, storeError(err, ErrNotParticipant)
	}

	if outcome.ConversationClosed {
		response, err := s.load(ctx, conversationID, actorID)
		if err != nil {
			return dto.ConversationChange{}, err
		}
		return dto.ConversationChange{Conversation: response, RemovedUserIDs: []string{actorID}}, nil
	}

	names := s.displayNames(ctx, []string{actorID})
	change, err := s.change(ctx, conversationID, actorID, fmt.Sprintf("%s left the group", names[actorID]))
	if err != nil {
		return dto.ConversationChange{}, err
	}
	change.RemovedUserIDs = []string{actorID}
	change.PromotedUserID = outcome.PromotedUserID
	return change, nil
}

func (s *conversationService) UpdateSettings(ctx context.Context, actorID, conversationID string, req dto.ParticipantSettingsRequest) (dto.ParticipantResponse, error) {
	if _, _, err := s.access.activeMember(ctx, conversationID, actorID); err != nil {
		return dto.ParticipantResponse{}, err
	}

	now := s.now()
	updates := make(map[string]interface{})
	if req.IsMuted != nil {
		updates["is_muted"] = *req.IsMuted
		if *req.IsMuted {
			updates["muted_until"] = req.MutedUntil
		} else {
			updates["muted_until"] = nil
		}
	}
	if req.IsArchived != nil {
		updates["is_archived"] = *req.IsArchived
	}
	if req.IsPinned != nil {
		updates["is_pinned"] = *req.IsPinned
		if *req.IsPinned {
			updates["pinned_at"] = now
		} else {
			updates["pinned_at"] = nil
		}
	}

	participant, err := s.participants.UpdateSettings(ctx, conversationID, actorID, updates)
	if err != nil {
		return dto.ParticipantResponse{}, storeError(err, ErrNotParticipant)
	}
	return dto.NewParticipantResponse(participant), nil
}

func (s *conversationService) CloseDirect(ctx context.Context, actorID, conversationID string) error {
	conversation, _, err := s.access.activeMember(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if conversation.IsGroup() {
		return ErrDirectOnly
	}
	return storeError(s.participants.SetActive(ctx, conversationID, actorID, false, s.now()), ErrNotParticipant)
}

func (s *conversationService) RequireParticipant(ctx context.Context, conversationID, userID string) error {
	_, _, err := s.access.activeMember(ctx, conversationID, userID)
	return err
}

func (s *conversationService) ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.participants.ActiveUserIDs(ctx, conversationID)
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

func (s *conversationService) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.participants.ActiveConversationIDs(ctx, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// requireAdmin loads an active group the actor administers.
func (s *conversationService) requireAdmin(ctx context.Context, conversationID, actorID string) (models.Conversation, error) {
	conversation, participant, err := s.access.activeMember(ctx, conversationID, actorID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conversation.IsGroup() {
		return models.Conversation{}, ErrGroupOnly
	}
	if !participant.IsAdmin() {
		return models.Conversation{}, ErrNotAdmin
	}
	return conversation, nil
}

// change posts a system message and returns it with the refreshed conversation.
func (s *conversationService) change(ctx context.Context, conversationID, actorID, content string) (dto.ConversationChange, error) {
	message, err := s.posts.PostSystemMessage(ctx, conversationID, actorID, content)
	if err != nil {
		return dto.ConversationChange{}, err
	}

	response, err := s.load(ctx, conversationID, actorID)
	if err != nil {
		return dto.ConversationChange{}, err
	}
	return dto.ConversationChange{Conversation: response, SystemMessage: &message}, nil
}

func (s *conversationService) load(ctx context.Context, conversationID, viewerID string) (dto.ConversationResponse, error) {
	conversation, err := s.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return dto.ConversationResponse{}, storeError(err, ErrConversationNotFound)
	}
	participants, err := s.participants.ListByConversation(ctx, conversationID)
	if err != nil {
		return dto.ConversationResponse{}, unavailable(err)
	}
	pinned, err := s.messages.PinnedIDs(ctx, []string{conversationID})
	if err != nil {
		return dto.ConversationResponse{}, unavailable(err)
	}
	return dto.NewConversationResponse(conversation, participants, pinned[conversationID], viewerID), nil
}

// displayNames resolves profile names, falling back to ids when profiles are unavailable.
func (s *conversationService) displayNames(ctx context.Context, userIDs []string) map[string]string {
	names := make(map[string]string, len(userIDs))
	profiles, err := s.profiles.FindByIDs(ctx, userIDs)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load user profiles")
	}
	for _, userID := range userIDs {
		var profile *models.UserProfile
		if found, ok := profiles[userID]; ok {
			profile = &found
		}
		names[userID] = dto.NewUserSummary(userID, profile).DisplayName
	}
	return names
}

// normalizeUserIDs trims, dedupes and drops exclude, preserving first-seen order.
func normalizeUserIDs(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
