package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// RemovalOutcome reports side effects of deactivating a participant.
type RemovalOutcome struct {
	PromotedUserID     string
	ConversationClosed bool
}

// ParticipantRepository persists per-user conversation membership.
type ParticipantRepository interface {
	Find(ctx context.Context, conversationID, userID string) (models.ConversationParticipant, error)
	ListByConversation(ctx context.Context, conversationID string) ([]models.ConversationParticipant, error)
	ListByConversations(ctx context.Context, conversationIDs []string) ([]models.ConversationParticipant, error)
	ActiveUserIDs(ctx context.Context, conversationID string) ([]string, error)
	ActiveConversationIDs(ctx context.Context, userID string) ([]string, error)
	AddMembers(ctx context.Context, conversationID string, userIDs []string, now time.Time) ([]string, error)
	Deactivate(ctx context.Context, conversationID, userID string, now time.Time) (RemovalOutcome, error)
	SetActive(ctx context.Context, conversationID, userID string, active bool, now time.Time) error
	UpdateSettings(ctx context.Context, conversationID, userID string, updates map[string]interface{}) (models.ConversationParticipant, error)
}

type participantRepository struct {
	db *gorm.DB
}

// NewParticipantRepository constructs a participant repository backed by GORM.
func NewParticipantRepository(db *gorm.DB) ParticipantRepository {
	return &participantRepository{db: db}
}

func (r *participantRepository) Find(ctx context.Context, conversationID, userID string) (models.ConversationParticipant, error) {
	var participant models.ConversationParticipant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&participant).Error
	if err != nil {
		return models.ConversationParticipant{}, err
	}
	return participant, nil
}

func (r *participantRepository) ListByConversation(ctx context.Context, conversationID string) ([]models.ConversationParticipant, error) {
	var participants []models.ConversationParticipant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC").
		Find(&participants).Error
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *participantRepository) ListByConversations(ctx context.Context, conversationIDs []string) ([]models.ConversationParticipant, error) {
	if len(conversationIDs) == 0 {
		return []models.ConversationParticipant{}, nil
	}

	var participants []models.ConversationParticipant
	err := r.db.WithContext(ctx).
		Where("conversation_id IN ?", conversationIDs).
		Order("joined_at ASC").
		Find(&participants).Error
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *participantRepository) ActiveUserIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Order("joined_at ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *participantRepository) ActiveConversationIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AddMembers creates or reactivates member records and returns the users that were not active before.
func (r *participantRepository) AddMembers(ctx context.Context, conversationID string, userIDs []string, now time.Time) ([]string, error) {
	added := make([]string, 0, len(userIDs))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.ConversationParticipant
		if err := tx.Where("conversation_id = ? AND user_id IN ?", conversationID, userIDs).Find(&existing).Error; err != nil {
			return err
		}
		byUser := make(map[string]models.ConversationParticipant, len(existing))
		for _, participant := range existing {
			byUser[participant.UserID] = participant
		}

		for _, userID := range userIDs {
			current, ok := byUser[userID]
			switch {
			case ok && current.IsActive:
				continue
			case ok:
				err := tx.Model(&models.ConversationParticipant{}).
					Where("id = ?", current.ID).
					Updates(map[string]interface{}{
						"is_active":    true,
						"role":         models.RoleMember,
						"joined_at":    now,
						"left_at":      nil,
						"unread_count": 0,
					}).Error
				if err != nil {
					return err
				}
			default:
				record := models.ConversationParticipant{
					ConversationID: conversationID,
					UserID:         userID,
					Role:           models.RoleMember,
					IsActive:       true,
					JoinedAt:       now,
				}
				result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					// a concurrent add created the membership first
					continue
				}
			}
			added = append(added, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Deactivate marks a participant as left. When no admin remains the earliest-joined
// member is promoted, and a conversation without active participants is deactivated.
func (r *participantRepository) Deactivate(ctx context.Context, conversationID, userID string, now time.Time) (RemovalOutcome, error) {
	var outcome RemovalOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
			Updates(map[string]interface{}{
				"is_active": false,
				"role":      models.RoleMember,
				"left_at":   now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var remaining []models.ConversationParticipant
		if err := tx.Where("conversation_id = ? AND is_active = ?", conversationID, true).
			Order("joined_at ASC").
			Find(&remaining).Error; err != nil {
			return err
		}

		if len(remaining) == 0 {
			outcome.ConversationClosed = true
			return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Update("is_active", false).Error
		}

		for _, participant := range remaining {
			if participant.Role == models.RoleAdmin {
				return nil
			}
		}

		successor := remaining[0]
		if err := tx.Model(&models.ConversationParticipant{}).
			Where("id = ?", successor.ID).
			Update("role", models.RoleAdmin).Error; err != nil {
			return err
		}
		outcome.PromotedUserID = successor.UserID
		return nil
	})
	if err != nil {
		return RemovalOutcome{}, err
	}
	return outcome, nil
}

func (r *participantRepository) SetActive(ctx context.Context, conversationID, userID string, active bool, now time.Time) error {
	updates := map[string]interface{}{"is_active": active}
	if active {
		updates["left_at"] = nil
		updates["joined_at"] = now
	} else {
		updates["left_at"] = now
	}

	result := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *participantRepository) UpdateSettings(ctx context.Context, conversationID, userID string, updates map[string]interface{}) (models.ConversationParticipant, error) {
	if len(updates) > 0 {
		result := r.db.WithContext(ctx).
			Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
			Updates(updates)
		if result.Error != nil {
			return models.ConversationParticipant{}, result.Error
		}
		if result.RowsAffected == 0 {
			return models.ConversationParticipant{}, gorm.ErrRecordNotFound
		}
	}
	return r.Find(ctx, conversationID, userID)
}
