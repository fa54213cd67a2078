package service

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type chatFixture struct {
	db            *gorm.DB
	redis         *miniredis.Miniredis
	repos         MessageRepositories
	presence      PresenceTracker
	messages      MessageService
	conversations ConversationService
	receipts      ReceiptService
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.UserProfile{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
		&models.MessageReaction{},
		&models.MessageReceipt{},
		&models.HiddenMessage{},
		&models.UploadRecord{},
	))

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repos := MessageRepositories{
		Conversations: repository.NewConversationRepository(db),
		Participants:  repository.NewParticipantRepository(db),
		Messages:      repository.NewMessageRepository(db),
		Reactions:     repository.NewReactionRepository(db),
		Receipts:      repository.NewReceiptRepository(db),
		Profiles:      repository.NewUserProfileRepository(db),
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	presence := NewPresenceTracker(client, "test", "node-a", 5*time.Second, 30*time.Second, testLogger())
	messages := NewMessageService(repos, presence, validate, MessageLimits{MaxLength: 200, MaxAttachments: 3}, testLogger())

	return &chatFixture{
		db:            db,
		redis:         server,
		repos:         repos,
		presence:      presence,
		messages:      messages,
		conversations: NewConversationService(repos, messages, validate, testLogger()),
		receipts:      NewReceiptService(repos, validate, testLogger()),
	}
}

// group creates "Trip" owned by creator with the given members.
func (f *chatFixture) group(t *testing.T, creator string, members ...string) dto.ConversationResponse {
	t.Helper()

	change, err := f.conversations.CreateGroup(context.Background(), creator, dto.CreateGroupRequest{
		Name:           "Trip",
		ParticipantIDs: members,
	})
	require.NoError(t, err)
	return change.Conversation
}

func (f *chatFixture) send(t *testing.T, conversationID, sender, content string) dto.MessageResponse {
	t.Helper()

	message, err := f.messages.Send(context.Background(), sender, dto.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
	})
	require.NoError(t, err)
	return message
}

func (f *chatFixture) participant(t *testing.T, conversationID, userID string) models.ConversationParticipant {
	t.Helper()

	participant, err := f.repos.Participants.Find(context.Background(), conversationID, userID)
	require.NoError(t, err)
	return participant
}

func stringPtr(value string) *string {
	return &value
}

func boolPtr(value bool) *bool {
	return &value
}
