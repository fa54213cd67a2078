package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/config"
	"github.com/noah-isme/gema-chat-api/internal/database"
	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/handler"
	"github.com/noah-isme/gema-chat-api/internal/repository"
	"github.com/noah-isme/gema-chat-api/internal/router"
	"github.com/noah-isme/gema-chat-api/internal/service"
)

const testSecret = "handler-secret"

type notification struct {
	event string
	data  interface{}
}

// recordingNotifier captures realtime notifications emitted by handlers.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (r *recordingNotifier) record(event string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notification{event: event, data: data})
	return nil
}

func (r *recordingNotifier) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, item := range r.events {
		names = append(names, item.event)
	}
	return names
}

func (r *recordingNotifier) last() notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recordingNotifier) MessageCreated(_ context.Context, message dto.MessageResponse, participantIDs []string) error {
	return r.record("new_message", participantIDs)
}

func (r *recordingNotifier) MessageUpdated(_ context.Context, message dto.MessageResponse) error {
	return r.record("message_updated", message)
}

func (r *recordingNotifier) MessageDeleted(_ context.Context, _ string, deletion dto.MessageDeletion) error {
	return r.record("message_deleted", deletion)
}

func (r *recordingNotifier) ReactionsUpdated(_ context.Context, update dto.ReactionsUpdate) error {
	return r.record("reactions_updated", update)
}

func (r *recordingNotifier) PinChanged(_ context.Context, update dto.PinUpdate) error {
	return r.record("pin_changed", update)
}

func (r *recordingNotifier) Read(_ context.Context, update dto.ReceiptUpdate) error {
	return r.record("messages_read", update)
}

func (r *recordingNotifier) Delivered(_ context.Context, update dto.ReceiptUpdate, _ string) error {
	return r.record("messages_delivered", update)
}

func (r *recordingNotifier) Typing(_ context.Context, typing dto.TypingUsers) error {
	return r.record("typing_update", typing)
}

// latest returns the most recent notification named event.
func (r *recordingNotifier) latest(t *testing.T, event string) notification {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].event == event {
			return r.events[i]
		}
	}
	t.Fatalf("no %s notification recorded", event)
	return notification{}
}

func (r *recordingNotifier) ConversationChanged(_ context.Context, change dto.ConversationChange) error {
	return r.record("conversation_changed", change)
}

type apiFixture struct {
	app      *fiber.App
	notifier *recordingNotifier
	presence service.PresenceTracker
	redis    *miniredis.Miniredis
}

func newAPI(t *testing.T, storage service.FileStorage) *apiFixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:api_"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	repos := service.MessageRepositories{
		Conversations: repository.NewConversationRepository(db),
		Participants:  repository.NewParticipantRepository(db),
		Messages:      repository.NewMessageRepository(db),
		Reactions:     repository.NewReactionRepository(db),
		Receipts:      repository.NewReceiptRepository(db),
		Profiles:      repository.NewUserProfileRepository(db),
	}

	presence := service.NewPresenceTracker(client, "api", "node-a", 5*time.Second, 30*time.Second, logger)
	messages := service.NewMessageService(repos, presence, validate, service.MessageLimits{}, logger)
	conversations := service.NewConversationService(repos, messages, validate, logger)
	receipts := service.NewReceiptService(repos, validate, logger)
	notifier := &recordingNotifier{}

	cfg := config.Config{AppName: "chat-test", AppEnv: "test", JWTSecret: testSecret, WriteRateLimit: 1000}
	deps := router.Dependencies{
		ConversationHandler: handler.NewConversationHandler(conversations, messages, receipts, notifier, logger),
		MessageHandler:      handler.NewMessageHandler(messages, conversations, receipts, presence, notifier, logger),
		PresenceHandler:     handler.NewPresenceHandler(presence, conversations, logger),
		Readiness:           handler.Readiness(cfg, db, client),
	}
	if storage != nil {
		attachments := service.NewAttachmentService(storage, repository.NewUploadRepository(db), 1, logger)
		deps.UploadHandler = handler.NewUploadHandler(attachments, logger)
	}

	app := fiber.New()
	router.Register(app, cfg, deps)

	return &apiFixture{app: app, notifier: notifier, presence: presence, redis: server}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

type envelope[T any] struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    T               `json:"data"`
	Meta    json.RawMessage `json:"meta"`
}

// call performs a request as userID and decodes the standard response envelope.
func call[T any](t *testing.T, api *apiFixture, userID, method, path string, body interface{}) (int, envelope[T]) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", bearer(t, userID))
	}

	return send[T](t, api, req)
}

func send[T any](t *testing.T, api *apiFixture, req *http.Request) (int, envelope[T]) {
	t.Helper()
	resp, err := api.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func createGroup(t *testing.T, api *apiFixture, creator string, members ...string) dto.ConversationResponse {
	t.Helper()
	status, resp := call[dto.ConversationResponse](t, api, creator, http.MethodPost, "/api/v1/conversations/groups", dto.CreateGroupRequest{
		Name:           "Weekend",
		ParticipantIDs: members,
	})
	require.Equal(t, fiber.StatusCreated, status, resp.Message)
	return resp.Data
}

func sendText(t *testing.T, api *apiFixture, sender, conversationID, content string) dto.MessageResponse {
	t.Helper()
	status, resp := call[dto.MessageResponse](t, api, sender, http.MethodPost, "/api/v1/messages", dto.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
	})
	require.Equal(t, fiber.StatusCreated, status, resp.Message)
	return resp.Data
}
