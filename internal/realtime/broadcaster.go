package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/observability"
)

// Broadcast describes one outbound event and the rooms it targets.
type Broadcast struct {
	Rooms []Room
	Event string
	Data  interface{}
	// Except skips one connection, usually the one that caused the event.
	Except string
	// EvictRoom and EvictUsers drop the named users' connections from a room after delivery.
	EvictRoom  Room
	EvictUsers []string
}

// Broadcaster delivers events to local connections and relays them to other processes.
// When the bus is unreachable delivery stays local to this process.
type Broadcaster struct {
	hub    *Hub
	bus    Bus
	nodeID string
	logger zerolog.Logger
}

// NewBroadcaster wires a hub to an optional bus. nodeID tags envelopes so a process
// ignores its own echoes.
func NewBroadcaster(hub *Hub, bus Bus, nodeID string, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		hub:    hub,
		bus:    bus,
		nodeID: nodeID,
		logger: logger.With().Str("component", "realtime_broadcaster").Logger(),
	}
}

// Start subscribes to the bus.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.bus == nil {
		b.logger.Warn().Msg("no fanout bus configured, broadcasts stay local")
		return nil
	}
	if err := b.bus.Subscribe(ctx, b.receive); err != nil {
		return err
	}
	b.logger.Info().Str("driver", b.bus.Name()).Str("node_id", b.nodeID).Msg("fanout subscription active")
	return nil
}

// Emit delivers the broadcast locally and publishes it for the other processes.
func (b *Broadcaster) Emit(ctx context.Context, broadcast Broadcast) error {
	if len(broadcast.Rooms) == 0 {
		return nil
	}

	frame, err := encodeFrame(broadcast.Event, broadcast.Data)
	if err != nil {
		return err
	}

	envelope := Envelope{
		Source:     b.nodeID,
		Rooms:      broadcast.Rooms,
		Frame:      frame,
		Except:     broadcast.Except,
		EvictRoom:  broadcast.EvictRoom,
		EvictUsers: broadcast.EvictUsers,
		SentAt:     time.Now().UTC(),
	}
	b.apply(envelope, "local")

	if b.bus == nil {
		return nil
	}
	if err := b.bus.Publish(ctx, envelope); err != nil {
		observability.ChatPublishFailures().WithLabelValues(b.bus.Name()).Inc()
		b.logger.Warn().Err(err).Str("event", broadcast.Event).Msg("fanout publish failed, delivered locally only")
	}
	return nil
}

func (b *Broadcaster) receive(envelope Envelope) {
	if envelope.Source == b.nodeID {
		return
	}
	b.apply(envelope, "remote")
}

func (b *Broadcaster) apply(envelope Envelope, origin string) {
	b.hub.Deliver(envelope.Rooms, envelope.Frame, envelope.Except)
	if envelope.EvictRoom != "" {
		b.hub.Evict(envelope.EvictRoom, envelope.EvictUsers)
	}
	observability.ChatBroadcasts().WithLabelValues(origin).Inc()
}
