package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// ReactionRepository persists (emoji, user) reactions with set semantics.
type ReactionRepository interface {
	Toggle(ctx context.Context, messageID, userID, emoji string) (bool, error)
	Add(ctx context.Context, messageID, userID, emoji string) (bool, error)
	Remove(ctx context.Context, messageID, userID, emoji string) (bool, error)
	ListByMessages(ctx context.Context, messageIDs []string) ([]models.MessageReaction, error)
}

type reactionRepository struct {
	db *gorm.DB
}

// NewReactionRepository constructs a reaction repository backed by GORM.
func NewReactionRepository(db *gorm.DB) ReactionRepository {
	return &reactionRepository{db: db}
}

// Toggle removes the reaction when present and adds it otherwise, deciding from the
// stored row rather than any cached view. It reports whether the reaction now exists.
func (r *reactionRepository) Toggle(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	var added bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		removed, err := deleteReaction(tx, messageID, userID, emoji)
		if err != nil {
			return err
		}
		if removed {
			added = false
			return nil
		}

		inserted, err := insertReaction(tx, messageID, userID, emoji)
		if err != nil {
			return err
		}
		if inserted {
			added = true
			return nil
		}

		// A concurrent toggle committed the row first; this toggle removes it.
		_, err = deleteReaction(tx, messageID, userID, emoji)
		return err
	})
	return added, err
}

func (r *reactionRepository) Add(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	return insertReaction(r.db.WithContext(ctx), messageID, userID, emoji)
}

func (r *reactionRepository) Remove(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	return deleteReaction(r.db.WithContext(ctx), messageID, userID, emoji)
}

func (r *reactionRepository) ListByMessages(ctx context.Context, messageIDs []string) ([]models.MessageReaction, error) {
	if len(messageIDs) == 0 {
		return []models.MessageReaction{}, nil
	}

	var reactions []models.MessageReaction
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("created_at ASC").
		Find(&reactions).Error
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

func insertReaction(db *gorm.DB, messageID, userID, emoji string) (bool, error) {
	record := models.MessageReaction{MessageID: messageID, UserID: userID, Emoji: emoji}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func deleteReaction(db *gorm.DB, messageID, userID, emoji string) (bool, error) {
	result := db.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&models.MessageReaction{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
