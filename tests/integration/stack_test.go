package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
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
	"github.com/noah-isme/gema-chat-api/internal/realtime"
	"github.com/noah-isme/gema-chat-api/internal/server"
)

const (
	jwtSecret   = "e2e-secret"
	waitTimeout = 3 * time.Second
)

var ackSeq atomic.Int64

// deployment is a shared database and Redis that several processes run against.
type deployment struct {
	db    *gorm.DB
	redis *miniredis.Miniredis
	cfg   config.Config
}

func newDeployment(t *testing.T) *deployment {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:e2e_"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	return &deployment{
		db:    db,
		redis: miniredis.RunT(t),
		cfg: config.Config{
			AppName:            "chat-e2e",
			AppEnv:             "test",
			JWTSecret:          jwtSecret,
			ChannelBase:        "e2e",
			TypingTTL:          5 * time.Second,
			PresenceNodeTTL:    30 * time.Second,
			MaxInFlightPerConn: 4,
			WriteRateLimit:     1000,
		},
	}
}

// process is one running API instance with its own listener.
type process struct {
	baseURL string
	server  *server.Server
}

func (d *deployment) start(t *testing.T, nodeID string) *process {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: d.redis.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })

	srv, err := server.New(context.Background(), d.cfg, nodeID, server.Infrastructure{
		DB:    d.db,
		Redis: client,
		Bus:   realtime.NewRedisBus(client, d.cfg.ChannelBase+":fanout", zerolog.Nop()),
	}, zerolog.Nop())
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("%s stopped: %v", nodeID, err)
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

	return &process{baseURL: "http://" + listener.Addr().String(), server: srv}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

// rest calls the HTTP API of p as userID and decodes data into out when given.
func (p *process) rest(t *testing.T, userID, method, path string, body, out interface{}) int {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, p.baseURL+path, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token(t, userID))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	if out != nil && envelope.Success {
		require.NoError(t, json.Unmarshal(envelope.Data, out))
	}
	return resp.StatusCode
}

type frame struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	AckID   string          `json:"ack_id"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// socket is a websocket client that buffers every frame it receives.
type socket struct {
	conn   *websocket.Conn
	frames chan frame
}

func (p *process) dial(t *testing.T, userID string) *socket {
	t.Helper()

	url := "ws" + strings.TrimPrefix(p.baseURL, "http") + "/api/v1/realtime/ws?token=" + token(t, userID)
	dialer := websocket.Dialer{HandshakeTimeout: waitTimeout}
	conn, resp, err := dialer.Dial(url, http.Header{"X-Correlation-ID": {"e2e-" + userID}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s := &socket{conn: conn, frames: make(chan frame, 256)}
	go func() {
		defer close(s.frames)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(raw, &f) == nil {
				s.frames <- f
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })

	// the first acknowledgement proves the connection is registered and online
	s.request(t, realtime.EventGetPresence, map[string]interface{}{"user_ids": []string{userID}})
	return s
}

func (s *socket) close() {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = s.conn.Close()
}

func (s *socket) emit(t *testing.T, event, ackID string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]interface{}{"event": event, "data": json.RawMessage(raw), "ack_id": ackID})
	require.NoError(t, err)
	require.NoError(t, s.conn.WriteMessage(websocket.TextMessage, payload))
}

// await returns the next frame named event, skipping others.
func (s *socket) await(t *testing.T, event string, match func(frame) bool) frame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f, ok := <-s.frames:
			require.True(t, ok, "connection closed while waiting for %s", event)
			if f.Event == event && (match == nil || match(f)) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
			return frame{}
		}
	}
}

// request emits event and returns its successful acknowledgement.
func (s *socket) request(t *testing.T, event string, data interface{}) frame {
	t.Helper()
	ackID := fmt.Sprintf("%s-%d", event, ackSeq.Add(1))
	s.emit(t, event, ackID, data)
	ack := s.await(t, realtime.EventAck, func(f frame) bool { return f.AckID == ackID })
	require.True(t, ack.Success, "%s failed: %s (%s)", event, ack.Error, ack.Code)
	return ack
}

// count reports how many frames named event arrive within window.
func (s *socket) count(event string, window time.Duration) int {
	deadline := time.After(window)
	total := 0
	for {
		select {
		case f, ok := <-s.frames:
			if !ok {
				return total
			}
			if f.Event == event {
				total++
			}
		case <-deadline:
			return total
		}
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
