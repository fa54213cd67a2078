package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Envelope carries one broadcast between processes.
type Envelope struct {
	Source     string          `json:"source"`
	Rooms      []Room          `json:"rooms"`
	Frame      json.RawMessage `json:"frame"`
	Except     string          `json:"except,omitempty"`
	EvictRoom  Room            `json:"evict_room,omitempty"`
	EvictUsers []string        `json:"evict_users,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

// Bus relays envelopes to every process of the deployment, this one included.
type Bus interface {
	Name() string
	Publish(ctx context.Context, envelope Envelope) error
	// Subscribe returns once the subscription is active; handle runs until ctx ends.
	Subscribe(ctx context.Context, handle func(Envelope)) error
}

// RedisBus fans out over a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	retry   time.Duration
	logger  zerolog.Logger
}

// NewRedisBus creates a bus publishing on channel.
func NewRedisBus(client *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		retry:   time.Second,
		logger:  logger.With().Str("component", "redis_bus").Str("channel", channel).Logger(),
	}
}

func (b *RedisBus) Name() string { return "redis" }

func (b *RedisBus) Publish(ctx context.Context, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handle func(Envelope)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go func() {
		<-ctx.Done()
		_ = pubsub.Close()
	}()

	go func() {
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					return
				}
				b.logger.Warn().Err(err).Msg("fanout receive failed, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.retry):
				}
				continue
			}

			var envelope Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				b.logger.Warn().Err(err).Msg("invalid fanout envelope")
				continue
			}
			handle(envelope)
		}
	}()

	return nil
}

// NATSBus fans out over a NATS subject. Every process subscribes without a queue group
// so each one sees every envelope.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSBus creates a bus publishing on subject.
func NewNATSBus(conn *nats.Conn, subject string, logger zerolog.Logger) *NATSBus {
	return &NATSBus{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "nats_bus").Str("subject", subject).Logger(),
	}
}

func (b *NATSBus) Name() string { return "nats" }

func (b *NATSBus) Publish(_ context.Context, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, payload)
}

func (b *NATSBus) Subscribe(ctx context.Context, handle func(Envelope)) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var envelope Envelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			b.logger.Warn().Err(err).Msg("invalid fanout envelope")
			return
		}
		handle(envelope)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription %s: %w", b.subject, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain fanout subscription")
		}
	}()
	return nil
}
