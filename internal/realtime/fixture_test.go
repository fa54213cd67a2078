package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/database"
	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/repository"
	"github.com/noah-isme/gema-chat-api/internal/service"
)

const waitTimeout = 2 * time.Second

var ackCounter atomic.Int64

type fakeConn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 32),
		outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-c.inbound:
		return websocket.TextMessage, payload, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) emit(t *testing.T, event, ackID string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(Frame{Event: event, Data: raw, AckID: ackID})
	require.NoError(t, err)
	c.inbound <- payload
}

// await returns the next frame named event, skipping others.
func (c *fakeConn) await(t *testing.T, event string) json.RawMessage {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case payload := <-c.outbound:
			var frame Frame
			require.NoError(t, json.Unmarshal(payload, &frame))
			if frame.Event == event {
				return frame.Data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
			return nil
		}
	}
}

func (c *fakeConn) awaitAck(t *testing.T, ackID string) AckFrame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case payload := <-c.outbound:
			var ack struct {
				AckFrame
				Data json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(payload, &ack))
			if ack.Event == EventAck && ack.AckID == ackID {
				ack.AckFrame.Data = ack.Data
				return ack.AckFrame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ack %s", ackID)
			return AckFrame{}
		}
	}
}

// request emits an event and waits for its acknowledgement.
func (c *fakeConn) request(t *testing.T, event string, data interface{}) AckFrame {
	t.Helper()
	ackID := fmt.Sprintf("%s-%d", event, ackCounter.Add(1))
	c.emit(t, event, ackID, data)
	return c.awaitAck(t, ackID)
}

// count drains frames for the given window and counts those named event.
func (c *fakeConn) count(event string, window time.Duration) int {
	deadline := time.After(window)
	total := 0
	for {
		select {
		case payload := <-c.outbound:
			var frame Frame
			if json.Unmarshal(payload, &frame) == nil && frame.Event == event {
				total++
			}
		case <-deadline:
			return total
		}
	}
}

func decodeAck[T any](t *testing.T, ack AckFrame) T {
	t.Helper()
	require.True(t, ack.Success, "ack failed: %s (%s)", ack.Error, ack.Code)
	raw, ok := ack.Data.(json.RawMessage)
	require.True(t, ok)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func decodeData[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

type services struct {
	conversations service.ConversationService
	messages      service.MessageService
	receipts      service.ReceiptService
	validate      *validator.Validate
}

type cluster struct {
	redis    *miniredis.Miniredis
	services services
	client   *redis.Client
}

func newCluster(t *testing.T) *cluster {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:rt_"+name+"?mode=memory&cache=shared"), &gorm.Config{
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
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })

	repos := service.MessageRepositories{
		Conversations: repository.NewConversationRepository(db),
		Participants:  repository.NewParticipantRepository(db),
		Messages:      repository.NewMessageRepository(db),
		Reactions:     repository.NewReactionRepository(db),
		Receipts:      repository.NewReceiptRepository(db),
		Profiles:      repository.NewUserProfileRepository(db),
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	typing := service.NewPresenceTracker(client, "test", "seed", time.Second, 30*time.Second, zerolog.Nop())
	messages := service.NewMessageService(repos, typing, validate, service.MessageLimits{}, zerolog.Nop())

	return &cluster{
		redis:  server,
		client: client,
		services: services{
			conversations: service.NewConversationService(repos, messages, validate, zerolog.Nop()),
			messages:      messages,
			receipts:      service.NewReceiptService(repos, validate, zerolog.Nop()),
			validate:      validate,
		},
	}
}

type node struct {
	hub         *Hub
	broadcaster *Broadcaster
	gateway     *Gateway
	ctx         context.Context
}

// node starts one process of the deployment sharing the cluster's Redis and database.
func (c *cluster) node(t *testing.T, nodeID string) *node {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(zerolog.Nop())
	broadcaster := NewBroadcaster(hub, NewRedisBus(c.client, "test:fanout", zerolog.Nop()), nodeID, zerolog.Nop())
	require.NoError(t, broadcaster.Start(ctx))

	presence := service.NewPresenceTracker(c.client, "test", nodeID, time.Second, 30*time.Second, zerolog.Nop())
	gateway := NewGateway(GatewayDependencies{
		Hub:           hub,
		Broadcaster:   broadcaster,
		Conversations: c.services.conversations,
		Messages:      c.services.messages,
		Receipts:      c.services.receipts,
		Presence:      presence,
		Validator:     c.services.validate,
		MaxInFlight:   4,
	}, zerolog.Nop())

	return &node{hub: hub, broadcaster: broadcaster, gateway: gateway, ctx: ctx}
}

func (n *node) connect(t *testing.T, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go n.gateway.Serve(n.ctx, conn, userID)
	t.Cleanup(func() { _ = conn.Close() })

	// the first acknowledgement proves the connection is registered and online
	ack := conn.request(t, EventGetPresence, dto.PresenceQuery{UserIDs: []string{userID}})
	require.True(t, ack.Success)
	return conn
}

func (c *cluster) group(t *testing.T, creator string, members ...string) dto.ConversationResponse {
	t.Helper()
	change, err := c.services.conversations.CreateGroup(context.Background(), creator, dto.CreateGroupRequest{
		Name:           "Trip",
		ParticipantIDs: members,
	})
	require.NoError(t, err)
	return change.Conversation
}

func join(t *testing.T, conn *fakeConn, conversationID string) JoinResult {
	t.Helper()
	return decodeAck[JoinResult](t, conn.request(t, EventJoinConversation, dto.ConversationRef{ConversationID: conversationID}))
}
