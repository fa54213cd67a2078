package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func registeredClient(hub *Hub, id, userID string) *Client {
	client := newClient(id, userID, newFakeConn(), zerolog.Nop())
	hub.register(client)
	hub.Join(client, UserRoom(userID))
	return client
}

func queued(client *Client) []Frame {
	frames := make([]Frame, 0)
	for {
		select {
		case payload := <-client.send:
			var frame Frame
			if json.Unmarshal(payload, &frame) == nil {
				frames = append(frames, frame)
			}
		default:
			return frames
		}
	}
}

func TestRoomKeys(t *testing.T) {
	require.Equal(t, Room("conversation:c1"), ConversationRoom("c1"))
	require.Equal(t, Room("user:u1"), UserRoom("u1"))

	id, ok := ConversationRoom("c1").ConversationID()
	require.True(t, ok)
	require.Equal(t, "c1", id)

	_, ok = UserRoom("u1").ConversationID()
	require.False(t, ok)
}

func TestHubDeliversOncePerConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := registeredClient(hub, "c-alice", "alice")
	bob := registeredClient(hub, "c-bob", "bob")
	hub.Join(alice, ConversationRoom("trip"))
	hub.Join(bob, ConversationRoom("trip"))

	rooms := []Room{ConversationRoom("trip"), UserRoom("alice"), UserRoom("bob")}
	require.Equal(t, 2, hub.Deliver(rooms, []byte(`{"event":"new_message"}`), ""))
	require.Len(t, queued(alice), 1)
	require.Len(t, queued(bob), 1)

	require.Equal(t, 1, hub.Deliver(rooms, []byte(`{"event":"user_joined"}`), "c-alice"))
	require.Empty(t, queued(alice))
	require.Len(t, queued(bob), 1)
}

func TestHubEvictAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	phone := registeredClient(hub, "c-phone", "bob")
	laptop := registeredClient(hub, "c-laptop", "bob")
	carol := registeredClient(hub, "c-carol", "carol")
	room := ConversationRoom("trip")
	for _, client := range []*Client{phone, laptop, carol} {
		hub.Join(client, room)
		client.trackConversation("trip", true)
	}

	hub.Evict(room, []string{"bob"})
	require.False(t, hub.InRoom(phone, room))
	require.False(t, hub.InRoom(laptop, room))
	require.True(t, hub.InRoom(carol, room))
	require.Empty(t, phone.joinedConversations())

	require.Equal(t, 3, hub.Connections())
	hub.unregister(carol)
	require.Equal(t, 2, hub.Connections())
	require.Zero(t, hub.Deliver([]Room{room}, []byte(`{}`), ""))
}

type failingBus struct {
	published int
}

func (b *failingBus) Name() string { return "failing" }

func (b *failingBus) Publish(context.Context, Envelope) error {
	b.published++
	return errors.New("connection refused")
}

func (b *failingBus) Subscribe(context.Context, func(Envelope)) error { return nil }

func TestBroadcastStaysLocalWhenPublishFails(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	bob := registeredClient(hub, "c-bob", "bob")
	bus := &failingBus{}
	broadcaster := NewBroadcaster(hub, bus, "node-a", zerolog.Nop())

	err := broadcaster.Emit(context.Background(), Broadcast{
		Rooms: []Room{UserRoom("bob")},
		Event: EventUnreadUpdated,
		Data:  map[string]int{"unread_count": 0},
	})
	require.NoError(t, err)
	require.Equal(t, 1, bus.published)

	frames := queued(bob)
	require.Len(t, frames, 1)
	require.Equal(t, EventUnreadUpdated, frames[0].Event)
}

func TestBroadcasterIgnoresOwnEcho(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	bob := registeredClient(hub, "c-bob", "bob")
	broadcaster := NewBroadcaster(hub, nil, "node-a", zerolog.Nop())

	envelope := Envelope{Source: "node-a", Rooms: []Room{UserRoom("bob")}, Frame: json.RawMessage(`{"event":"new_message"}`)}
	broadcaster.receive(envelope)
	require.Empty(t, queued(bob))

	envelope.Source = "node-b"
	envelope.EvictRoom = UserRoom("bob")
	envelope.EvictUsers = []string{"bob"}
	broadcaster.receive(envelope)
	require.Len(t, queued(bob), 1)
	require.False(t, hub.InRoom(bob, UserRoom("bob")))
}
