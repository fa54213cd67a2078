package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// MessageFilter pages through a conversation's history as seen by one user.
type MessageFilter struct {
	ViewerID string
	Before   *time.Time
	After    *time.Time
	Until    *time.Time
	Limit    int
}

// MessageRepository persists messages and keeps conversation denormalisations in sync.
type MessageRepository interface {
	Append(ctx context.Context, message *models.Message, preview string) error
	FindByID(ctx context.Context, id string) (models.Message, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.Message, error)
	List(ctx context.Context, conversationID string, filter MessageFilter) ([]models.Message, error)
	IsHidden(ctx context.Context, messageID, userID string) (bool, error)
	Edit(ctx context.Context, id, content, preview string, now time.Time) (models.Message, error)
	Tombstone(ctx context.Context, id string, now time.Time) (models.Message, error)
	Hide(ctx context.Context, messageID, userID string) error
	SetPinned(ctx context.Context, id string, pinned bool, by string, now time.Time) (models.Message, bool, error)
	PinnedIDs(ctx context.Context, conversationIDs []string) (map[string][]string, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Append stores the message with the next per-conversation sequence number, updates the
// last-message fields and bumps unread counters of every other active participant.
// System messages do not count as unread.
func (r *messageRepository) Append(ctx context.Context, message *models.Message, preview string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bump := tx.Model(&models.Conversation{}).
			Where("id = ?", message.ConversationID).
			UpdateColumn("total_message_count", gorm.Expr("total_message_count + ?", 1))
		if bump.Error != nil {
			return bump.Error
		}
		if bump.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var seq int64
		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", message.ConversationID).
			Pluck("total_message_count", &seq).Error; err != nil {
			return err
		}
		message.Seq = seq

		if err := tx.Create(message).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", message.ConversationID).
			Updates(map[string]interface{}{
				"last_message_id":      message.ID,
				"last_message_at":      message.CreatedAt,
				"last_message_preview": preview,
			}).Error; err != nil {
			return err
		}

		if message.Type == models.MessageSystem {
			return nil
		}

		return tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id <> ? AND is_active = ?", message.ConversationID, message.SenderID, true).
			UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error
	})
}

func (r *messageRepository) FindByID(ctx context.Context, id string) (models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error; err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) FindByIDs(ctx context.Context, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return []models.Message{}, nil
	}

	var messages []models.Message
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) List(ctx context.Context, conversationID string, filter MessageFilter) ([]models.Message, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if filter.Before != nil {
		query = query.Where("created_at < ?", *filter.Before)
	}
	if filter.After != nil {
		query = query.Where("created_at > ?", *filter.After)
	}
	if filter.Until != nil {
		query = query.Where("created_at <= ?", *filter.Until)
	}
	if filter.ViewerID != "" {
		hidden := r.db.Model(&models.HiddenMessage{}).Select("message_id").Where("user_id = ?", filter.ViewerID)
		query = query.Where("id NOT IN (?)", hidden)
	}

	order := "seq DESC"
	if filter.After != nil && filter.Before == nil {
		order = "seq ASC"
	}

	var messages []models.Message
	if err := query.Order(order).Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	if order == "seq DESC" {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}

	return messages, nil
}

func (r *messageRepository) IsHidden(ctx context.Context, messageID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.HiddenMessage{}).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Edit replaces the content of a live message; tombstoned messages are reported as not found.
func (r *messageRepository) Edit(ctx context.Context, id, content, preview string, now time.Time) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Message{}).
			Where("id = ? AND is_deleted = ?", id, false).
			Updates(map[string]interface{}{
				"content":   content,
				"is_edited": true,
				"edited_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("id = ?", id).First(&message).Error; err != nil {
			return err
		}
		return refreshPreview(tx, message.ConversationID, message.ID, preview)
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// Tombstone replaces content with the placeholder, clears attachments and unpins the message.
func (r *messageRepository) Tombstone(ctx context.Context, id string, now time.Time) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Message{}).
			Where("id = ? AND is_deleted = ?", id, false).
			Updates(map[string]interface{}{
				"content":     models.TombstoneContent,
				"attachments": datatypes.NewJSONSlice([]models.Attachment{}),
				"is_deleted":  true,
				"deleted_at":  now,
				"is_pinned":   false,
				"pinned_by":   nil,
				"pinned_at":   nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("id = ?", id).First(&message).Error; err != nil {
			return err
		}
		return refreshPreview(tx, message.ConversationID, message.ID, models.TombstoneContent)
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) Hide(ctx context.Context, messageID, userID string) error {
	record := models.HiddenMessage{MessageID: messageID, UserID: userID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// SetPinned flips the pin state of a live message and reports whether it changed.
func (r *messageRepository) SetPinned(ctx context.Context, id string, pinned bool, by string, now time.Time) (models.Message, bool, error) {
	updates := map[string]interface{}{
		"is_pinned": pinned,
		"pinned_by": nil,
		"pinned_at": nil,
	}
	if pinned {
		updates["pinned_by"] = by
		updates["pinned_at"] = now
	}

	var (
		message models.Message
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Message{}).
			Where("id = ? AND is_deleted = ? AND is_pinned = ?", id, false, !pinned).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		changed = result.RowsAffected > 0
		return tx.Where("id = ?", id).First(&message).Error
	})
	if err != nil {
		return models.Message{}, false, err
	}
	return message, changed, nil
}

func (r *messageRepository) PinnedIDs(ctx context.Context, conversationIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}

	var rows []struct {
		ID             string
		ConversationID string
	}
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Select("id", "conversation_id").
		Where("conversation_id IN ? AND is_pinned = ?", conversationIDs, true).
		Order("pinned_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		out[row.ConversationID] = append(out[row.ConversationID], row.ID)
	}
	return out, nil
}

func refreshPreview(tx *gorm.DB, conversationID, messageID, preview string) error {
	return tx.Model(&models.Conversation{}).
		Where("id = ? AND last_message_id = ?", conversationID, messageID).
		UpdateColumn("last_message_preview", preview).Error
}
