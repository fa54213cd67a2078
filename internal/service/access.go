package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

type accessChecker struct {
	conversations repository.ConversationRepository
	participants  repository.ParticipantRepository
}

// member returns the conversation and the user's participant record, active or not.
func (a accessChecker) member(ctx context.Context, conversationID, userID string) (models.Conversation, models.ConversationParticipant, error) {
	conversation, err := a.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, models.ConversationParticipant{}, storeError(err, ErrConversationNotFound)
	}

	participant, err := a.participants.Find(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Conversation{}, models.ConversationParticipant{}, ErrNotParticipant
		}
		return models.Conversation{}, models.ConversationParticipant{}, unavailable(err)
	}

	return conversation, participant, nil
}

// activeMember requires an active participant of an active conversation.
func (a accessChecker) activeMember(ctx context.Context, conversationID, userID string) (models.Conversation, models.ConversationParticipant, error) {
	conversation, participant, err := a.member(ctx, conversationID, userID)
	if err != nil {
		return models.Conversation{}, models.ConversationParticipant{}, err
	}
	if !participant.IsActive {
		return models.Conversation{}, models.ConversationParticipant{}, ErrNotParticipant
	}
	if !conversation.IsActive {
		return models.Conversation{}, models.ConversationParticipant{}, ErrConversationNotFound
	}
	return conversation, participant, nil
}
