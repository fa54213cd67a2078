package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// ConversationFilter narrows a user's conversation list.
type ConversationFilter struct {
	Archived bool
	Limit    int
	Offset   int
}

// ConversationRepository persists conversations.
type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation, participants []models.ConversationParticipant) error
	FindByID(ctx context.Context, id string) (models.Conversation, error)
	FindByDirectKey(ctx context.Context, key string) (models.Conversation, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) (models.Conversation, error)
	ListForUser(ctx context.Context, userID string, filter ConversationFilter) ([]models.Conversation, error)
	Reopen(ctx context.Context, id string, now time.Time) error
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository constructs a conversation repository backed by GORM.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conversation *models.Conversation, participants []models.ConversationParticipant) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conversation).Error; err != nil {
			return err
		}
		if len(participants) == 0 {
			return nil
		}
		for i := range participants {
			participants[i].ConversationID = conversation.ID
		}
		return tx.Create(&participants).Error
	})
}

func (r *conversationRepository) FindByID(ctx context.Context, id string) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conversation).Error; err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (r *conversationRepository) FindByDirectKey(ctx context.Context, key string) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).Where("direct_key = ?", key).First(&conversation).Error; err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (r *conversationRepository) Update(ctx context.Context, id string, updates map[string]interface{}) (models.Conversation, error) {
	if len(updates) > 0 {
		result := r.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Updates(updates)
		if result.Error != nil {
			return models.Conversation{}, result.Error
		}
		if result.RowsAffected == 0 {
			return models.Conversation{}, gorm.ErrRecordNotFound
		}
	}
	return r.FindByID(ctx, id)
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID string, filter ConversationFilter) ([]models.Conversation, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var conversations []models.Conversation
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.id").
		Where("conversation_participants.user_id = ?", userID).
		Where("conversation_participants.is_active = ?", true).
		Where("conversation_participants.is_archived = ?", filter.Archived).
		Where("conversations.is_active = ?", true).
		Order("conversation_participants.is_pinned DESC").
		Order("COALESCE(conversations.last_message_at, conversations.created_at) DESC").
		Limit(limit).
		Offset(offset).
		Find(&conversations).Error
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

// Reopen reactivates a conversation together with every participant record.
func (r *conversationRepository) Reopen(ctx context.Context, id string, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Conversation{}).Where("id = ?", id).Update("is_active", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		return tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND is_active = ?", id, false).
			Updates(map[string]interface{}{
				"is_active":    true,
				"left_at":      nil,
				"joined_at":    now,
				"unread_count": 0,
			}).Error
	})
}

// IsUniqueViolation reports whether err was caused by a unique index conflict.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
