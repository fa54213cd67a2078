package performance_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/config"
	"github.com/noah-isme/gema-chat-api/internal/database"
	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/realtime"
	"github.com/noah-isme/gema-chat-api/internal/server"
)

const secret = "perf-secret"

func TestRealtimeConnectP95Under250ms(t *testing.T) {
	if testing.Short() {
		t.Skip("performance test")
	}
	_, wsURL := startServer(t)

	clients := 200
	durations := make([]time.Duration, 0, clients)
	for i := 0; i < clients; i++ {
		userID := fmt.Sprintf("user-%d", i)
		start := time.Now()
		conn := dial(t, wsURL, userID)
		ask(t, conn, realtime.EventGetPresence, "p", dto.PresenceQuery{UserIDs: []string{userID}})
		durations = append(durations, time.Since(start))
		_ = conn.Close()
	}

	p95 := percentile(durations, 0.95)
	if p95 > 250*time.Millisecond {
		t.Fatalf("expected connect+ack P95 <= 250ms, got %s", p95)
	}
}

func TestGroupFanoutP95Under250ms(t *testing.T) {
	if testing.Short() {
		t.Skip("performance test")
	}
	srv, wsURL := startServer(t)

	members := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		members = append(members, fmt.Sprintf("member-%d", i))
	}
	change, err := srv.Conversations.CreateGroup(context.Background(), "owner", dto.CreateGroupRequest{Name: "Load", ParticipantIDs: members})
	require.NoError(t, err)
	ref := dto.ConversationRef{ConversationID: change.Conversation.ID}

	sockets := make([]*websocket.Conn, 0, len(members))
	for _, member := range members {
		conn := dial(t, wsURL, member)
		ask(t, conn, realtime.EventJoinConversation, "join", ref)
		sockets = append(sockets, conn)
	}
	owner := dial(t, wsURL, "owner")

	rounds := 20
	durations := make([]time.Duration, 0, rounds*len(sockets))
	for round := 0; round < rounds; round++ {
		start := time.Now()
		ask(t, owner, realtime.EventSendMessage, fmt.Sprintf("send-%d", round), dto.SendMessageRequest{
			ConversationID: ref.ConversationID,
			Content:        fmt.Sprintf("round %d", round),
		})
		for _, conn := range sockets {
			awaitEvent(t, conn, realtime.EventNewMessage)
			durations = append(durations, time.Since(start))
		}
	}

	p95 := percentile(durations, 0.95)
	if p95 > 250*time.Millisecond {
		t.Fatalf("expected fanout P95 <= 250ms, got %s", p95)
	}
}

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:perf_"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		AppName:            "chat-perf",
		AppEnv:             "test",
		JWTSecret:          secret,
		ChannelBase:        "perf",
		TypingTTL:          5 * time.Second,
		PresenceNodeTTL:    30 * time.Second,
		MaxInFlightPerConn: 8,
		WriteRateLimit:     10000,
	}
	srv, err := server.New(context.Background(), cfg, "perf-node", server.Infrastructure{DB: db, Redis: client}, zerolog.Nop())
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	})

	return srv, "ws://" + listener.Addr().String() + "/api/v1/realtime/ws"
}

func dial(t *testing.T, wsURL, userID string) *websocket.Conn {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": userID}).SignedString([]byte(secret))
	require.NoError(t, err)

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type inbound struct {
	Event   string `json:"event"`
	AckID   string `json:"ack_id"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func ask(t *testing.T, conn *websocket.Conn, event, ackID string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": event, "ack_id": ackID, "data": json.RawMessage(raw)}))

	for {
		frame := next(t, conn)
		if frame.Event == realtime.EventAck && frame.AckID == ackID {
			require.True(t, frame.Success, frame.Error)
			return
		}
	}
}

func awaitEvent(t *testing.T, conn *websocket.Conn, event string) {
	t.Helper()
	for next(t, conn).Event != event {
	}
}

func next(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame inbound
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func percentile(values []time.Duration, pct float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	index := int(math.Ceil(pct*float64(len(values)))) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}
