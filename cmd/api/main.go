package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/config"
	"github.com/noah-isme/gema-chat-api/internal/database"
	"github.com/noah-isme/gema-chat-api/internal/realtime"
	"github.com/noah-isme/gema-chat-api/internal/server"
	cloud "github.com/noah-isme/gema-chat-api/pkg/cloudinary"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newBootLogger(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	nodeID := uuid.NewString()
	logger := newLogger(cfg).With().Str("node_id", nodeID).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, !cfg.IsProduction(), database.PoolConfig{
		MaxOpen:     cfg.DatabaseMaxOpenConns,
		MaxIdle:     cfg.DatabaseMaxIdleConns,
		MaxLifetime: cfg.DatabaseConnLifetime,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL, "chat-"+nodeID, 5*time.Second)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	bus, natsConn, err := newBus(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up fanout bus")
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	storage, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create attachment storage")
	}

	srv, err := server.New(context.Background(), cfg, nodeID, server.Infrastructure{
		DB:      db,
		Redis:   redisClient,
		Bus:     bus,
		Storage: storage,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddress())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen")
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Str("fanout", bus.Name()).Msg("chat api listening")
		if err := srv.Serve(listener); err != nil {
			logger.Error().Err(err).Msg("server stopped accepting connections")
		}
	}()

	waitForShutdown(srv, logger)
}

// newBootLogger logs failures that happen before configuration is available.
func newBootLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", cfg.AppName).
		Logger()
}

// newBus selects the cross-process fanout transport.
func newBus(cfg config.Config, redisClient *redis.Client, logger zerolog.Logger) (realtime.Bus, *nats.Conn, error) {
	if cfg.FanoutDriver != config.FanoutDriverNATS {
		return realtime.NewRedisBus(redisClient, cfg.ChannelBase+":fanout", logger), nil, nil
	}

	conn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		return nil, nil, err
	}
	return realtime.NewNATSBus(conn, cfg.ChannelBase+".fanout", logger), conn, nil
}

func waitForShutdown(srv *server.Server, logger zerolog.Logger) {
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-signalCtx.Done()
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
