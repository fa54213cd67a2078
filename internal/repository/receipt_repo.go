package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// ReadMark describes a read operation for one participant.
type ReadMark struct {
	ConversationID string
	UserID         string
	UpToSeq        *int64
	At             time.Time
}

// ReceiptRepository maintains delivered/read sets and unread counters.
type ReceiptRepository interface {
	MarkDelivered(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) ([]string, error)
	MarkAllDelivered(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error)
	MarkRead(ctx context.Context, mark ReadMark) ([]string, error)
	ListByMessages(ctx context.Context, messageIDs []string) ([]models.MessageReceipt, error)
	CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int64, error)
	SetUnread(ctx context.Context, conversationID, userID string, count int64) error
}

type receiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository constructs a receipt repository backed by GORM.
func NewReceiptRepository(db *gorm.DB) ReceiptRepository {
	return &receiptRepository{db: db}
}

// MarkDelivered adds the user to the delivered set of the given messages of the
// conversation that they did not send, returning only the ids that changed.
func (r *receiptRepository) MarkDelivered(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) ([]string, error) {
	if len(messageIDs) == 0 {
		return []string{}, nil
	}

	var affected []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []string
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND id IN ? AND sender_id <> ?", conversationID, messageIDs, userID).
			Order("seq ASC").
			Pluck("id", &candidates).Error; err != nil {
			return err
		}

		var err error
		affected, err = insertReceipts(tx, candidates, userID, models.ReceiptDelivered, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// MarkAllDelivered adds the user to the delivered set of every message of the
// conversation not yet delivered to them.
func (r *receiptRepository) MarkAllDelivered(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	var affected []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		delivered := tx.Model(&models.MessageReceipt{}).
			Select("message_id").
			Where("user_id = ? AND kind = ?", userID, models.ReceiptDelivered)

		var candidates []string
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND sender_id <> ?", conversationID, userID).
			Where("id NOT IN (?)", delivered).
			Order("seq ASC").
			Pluck("id", &candidates).Error; err != nil {
			return err
		}

		var err error
		affected, err = insertReceipts(tx, candidates, userID, models.ReceiptDelivered, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// MarkRead resets the participant's unread counter and adds the user to the read set of
// every message up to the reference sequence that they did not send. Messages already
// read are left untouched, so the returned ids are empty on a repeated call.
func (r *receiptRepository) MarkRead(ctx context.Context, mark ReadMark) ([]string, error) {
	var affected []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		read := tx.Model(&models.MessageReceipt{}).
			Select("message_id").
			Where("user_id = ? AND kind = ?", mark.UserID, models.ReceiptRead)

		query := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND sender_id <> ?", mark.ConversationID, mark.UserID).
			Where("id NOT IN (?)", read)
		if mark.UpToSeq != nil {
			query = query.Where("seq <= ?", *mark.UpToSeq)
		}

		var candidates []string
		if err := query.Order("seq ASC").Pluck("id", &candidates).Error; err != nil {
			return err
		}

		var err error
		affected, err = insertReceipts(tx, candidates, mark.UserID, models.ReceiptRead, mark.At)
		if err != nil {
			return err
		}

		pointer := tx.Model(&models.Message{}).Where("conversation_id = ?", mark.ConversationID)
		if mark.UpToSeq != nil {
			pointer = pointer.Where("seq <= ?", *mark.UpToSeq)
		}
		var lastRead []string
		if err := pointer.Order("seq DESC").Limit(1).Pluck("id", &lastRead).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"unread_count": 0,
			"last_read_at": mark.At,
		}
		if len(lastRead) > 0 {
			updates["last_read_message_id"] = lastRead[0]
		}

		result := tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id = ?", mark.ConversationID, mark.UserID).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

func (r *receiptRepository) ListByMessages(ctx context.Context, messageIDs []string) ([]models.MessageReceipt, error) {
	if len(messageIDs) == 0 {
		return []models.MessageReceipt{}, nil
	}

	var receipts []models.MessageReceipt
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("at ASC").
		Find(&receipts).Error
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// CountUnread recomputes the unread counter from the read set: non-system messages
// sent by others since the user joined that carry no read receipt from them.
func (r *receiptRepository) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int64, error) {
	read := r.db.Model(&models.MessageReceipt{}).
		Select("message_id").
		Where("user_id = ? AND kind = ?", userID, models.ReceiptRead)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND type <> ?", conversationID, userID, models.MessageSystem).
		Where("created_at >= ?", since).
		Where("id NOT IN (?)", read).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *receiptRepository) SetUnread(ctx context.Context, conversationID, userID string, count int64) error {
	if count < 0 {
		count = 0
	}
	result := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("unread_count", count)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func insertReceipts(tx *gorm.DB, messageIDs []string, userID string, kind models.ReceiptKind, at time.Time) ([]string, error) {
	affected := make([]string, 0, len(messageIDs))
	for _, messageID := range messageIDs {
		record := models.MessageReceipt{MessageID: messageID, UserID: userID, Kind: kind, At: at}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected > 0 {
			affected = append(affected, messageID)
		}
	}
	return affected, nil
}
