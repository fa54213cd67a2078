package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Fanout drivers supported for cross-process broadcast.
const (
	FanoutDriverRedis = "redis"
	FanoutDriverNATS  = "nats"
)

// Config holds runtime configuration values for the chat service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	LogLevel               string
	DatabaseURL            string
	DatabaseMaxOpenConns   int
	DatabaseMaxIdleConns   int
	DatabaseConnLifetime   time.Duration
	RedisURL               string
	NATSURL                string
	FanoutDriver           string
	ChannelBase            string
	JWTSecret              string
	TypingTTL              time.Duration
	PresenceNodeTTL        time.Duration
	MaxMessageLength       int
	MaxAttachments         int
	MaxInFlightPerConn     int
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	UploadMaxSizeMB        int
	CORSAllowOrigins       string
	WriteRateLimit         int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("fanout.driver", FanoutDriverRedis)
	v.SetDefault("channel.base", "chat")
	v.SetDefault("typing.ttl", "5s")
	v.SetDefault("presence.node_ttl", "30s")
	v.SetDefault("message.max_length", 4000)
	v.SetDefault("message.max_attachments", 10)
	v.SetDefault("ws.max_inflight", 8)
	v.SetDefault("cloudinary.folder", "gema/chat")
	v.SetDefault("upload.max_size_mb", 25)
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("ratelimit.writes_per_minute", 120)

	typingTTL, err := parseDuration(v, "typing.ttl", 5*time.Second)
	if err != nil {
		return Config{}, err
	}

	nodeTTL, err := parseDuration(v, "presence.node_ttl", 30*time.Second)
	if err != nil {
		return Config{}, err
	}

	connLifetime, err := parseDuration(v, "database.conn_max_lifetime", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		LogLevel:               strings.ToLower(v.GetString("log.level")),
		DatabaseURL:            v.GetString("database.url"),
		DatabaseMaxOpenConns:   v.GetInt("database.max_open_conns"),
		DatabaseMaxIdleConns:   v.GetInt("database.max_idle_conns"),
		DatabaseConnLifetime:   connLifetime,
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		FanoutDriver:           strings.ToLower(v.GetString("fanout.driver")),
		ChannelBase:            v.GetString("channel.base"),
		JWTSecret:              v.GetString("jwt.secret"),
		TypingTTL:              typingTTL,
		PresenceNodeTTL:        nodeTTL,
		MaxMessageLength:       v.GetInt("message.max_length"),
		MaxAttachments:         v.GetInt("message.max_attachments"),
		MaxInFlightPerConn:     v.GetInt("ws.max_inflight"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		UploadMaxSizeMB:        v.GetInt("upload.max_size_mb"),
		CORSAllowOrigins:       v.GetString("cors.allow_origins"),
		WriteRateLimit:         v.GetInt("ratelimit.writes_per_minute"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.FanoutDriver {
	case FanoutDriverRedis:
	case FanoutDriverNATS:
		if cfg.NATSURL == "" {
			return Config{}, fmt.Errorf("nats url must be provided when fanout driver is nats")
		}
	default:
		return Config{}, fmt.Errorf("unsupported fanout driver %q", cfg.FanoutDriver)
	}

	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4000
	}
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = 10
	}
	if cfg.MaxInFlightPerConn <= 0 {
		cfg.MaxInFlightPerConn = 8
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return fallback, nil
	}
	return parsed, nil
}
