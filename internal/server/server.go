package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/config"
	"github.com/noah-isme/gema-chat-api/internal/handler"
	"github.com/noah-isme/gema-chat-api/internal/middleware"
	"github.com/noah-isme/gema-chat-api/internal/realtime"
	"github.com/noah-isme/gema-chat-api/internal/repository"
	"github.com/noah-isme/gema-chat-api/internal/router"
	"github.com/noah-isme/gema-chat-api/internal/service"
)

// Infrastructure holds the connections a server process is built on.
type Infrastructure struct {
	DB    *gorm.DB
	Redis *redis.Client
	// Bus carries broadcasts between processes. Nil keeps delivery local.
	Bus     realtime.Bus
	Storage service.FileStorage
}

// Server is one process of the chat deployment.
type Server struct {
	App           *fiber.App
	Gateway       *realtime.Gateway
	Broadcaster   *realtime.Broadcaster
	Presence      service.PresenceTracker
	Conversations service.ConversationService
	Messages      service.MessageService

	cancel context.CancelFunc
	logger zerolog.Logger
}

// New constructs every component once and wires them together. The broadcaster
// subscribes to the bus before New returns.
func New(ctx context.Context, cfg config.Config, nodeID string, infra Infrastructure, logger zerolog.Logger) (*Server, error) {
	if infra.DB == nil || infra.Redis == nil {
		return nil, errors.New("database and redis are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	validate := validator.New(validator.WithRequiredStructEnabled())

	repos := service.MessageRepositories{
		Conversations: repository.NewConversationRepository(infra.DB),
		Participants:  repository.NewParticipantRepository(infra.DB),
		Messages:      repository.NewMessageRepository(infra.DB),
		Reactions:     repository.NewReactionRepository(infra.DB),
		Receipts:      repository.NewReceiptRepository(infra.DB),
		Profiles:      repository.NewUserProfileRepository(infra.DB),
	}

	presence := service.NewPresenceTracker(infra.Redis, cfg.ChannelBase, nodeID, cfg.TypingTTL, cfg.PresenceNodeTTL, logger)
	messages := service.NewMessageService(repos, presence, validate, service.MessageLimits{
		MaxLength:      cfg.MaxMessageLength,
		MaxAttachments: cfg.MaxAttachments,
	}, logger)
	conversations := service.NewConversationService(repos, messages, validate, logger)
	receipts := service.NewReceiptService(repos, validate, logger)

	hub := realtime.NewHub(logger)
	broadcaster := realtime.NewBroadcaster(hub, infra.Bus, nodeID, logger)
	if err := broadcaster.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to fanout bus: %w", err)
	}

	gateway := realtime.NewGateway(realtime.GatewayDependencies{
		Hub:           hub,
		Broadcaster:   broadcaster,
		Conversations: conversations,
		Messages:      messages,
		Receipts:      receipts,
		Presence:      presence,
		Validator:     validate,
		MaxInFlight:   cfg.MaxInFlightPerConn,
	}, logger)
	go gateway.RunHeartbeat(ctx, heartbeatInterval(cfg.PresenceNodeTTL))

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ServerHeader:          cfg.AppName,
		BodyLimit:             (cfg.UploadMaxSizeMB + 1) * 1024 * 1024,
		DisableStartupMessage: true,
	})
	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSAllowOrigins,
		AccessLog:    !cfg.IsProduction() && cfg.AppEnv != "test",
	})

	deps := router.Dependencies{
		ConversationHandler: handler.NewConversationHandler(conversations, messages, receipts, broadcaster, logger),
		MessageHandler:      handler.NewMessageHandler(messages, conversations, receipts, presence, broadcaster, logger),
		PresenceHandler:     handler.NewPresenceHandler(presence, conversations, logger),
		RealtimeHandler:     handler.NewRealtimeHandler(ctx, gateway, logger),
		Readiness:           handler.Readiness(cfg, infra.DB, infra.Redis),
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
	}
	if infra.Storage != nil {
		attachments := service.NewAttachmentService(infra.Storage, repository.NewUploadRepository(infra.DB), cfg.UploadMaxSizeMB, logger)
		deps.UploadHandler = handler.NewUploadHandler(attachments, logger)
	}
	router.Register(app, cfg, deps)

	return &Server{
		App:           app,
		Gateway:       gateway,
		Broadcaster:   broadcaster,
		Presence:      presence,
		Conversations: conversations,
		Messages:      messages,
		cancel:        cancel,
		logger:        logger,
	}, nil
}

// Serve accepts HTTP and websocket traffic on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	return s.App.Listener(listener)
}

// Shutdown closes live sockets first so each connection runs its disconnect flow
// while Redis is still reachable, then drains HTTP and stops background work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Gateway.Shutdown()
	err := s.App.ShutdownWithContext(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	s.cancel()
	return err
}

func heartbeatInterval(nodeTTL time.Duration) time.Duration {
	interval := nodeTTL / 3
	if interval < time.Second {
		return time.Second
	}
	return interval
}
