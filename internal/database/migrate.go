package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// Models lists every persisted entity in migration order.
func Models() []interface{} {
	return []interface{}{
		&models.UserProfile{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
		&models.MessageReaction{},
		&models.MessageReceipt{},
		&models.HiddenMessage{},
		&models.UploadRecord{},
	}
}

// AutoMigrate creates or updates the chat schema including its unique indexes.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate chat schema: %w", err)
	}
	return nil
}
