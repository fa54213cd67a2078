package realtime

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// Transport is the subset of a websocket connection the gateway drives.
type Transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one authenticated live connection.
type Client struct {
	id     string
	userID string
	conn   Transport
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger zerolog.Logger

	mu            sync.Mutex
	conversations map[string]struct{}
}

func newClient(id, userID string, conn Transport, logger zerolog.Logger) *Client {
	return &Client{
		id:            id,
		userID:        userID,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		closed:        make(chan struct{}),
		logger:        logger.With().Str("connection_id", id).Str("user_id", userID).Logger(),
		conversations: make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user of the connection.
func (c *Client) UserID() string { return c.userID }

// enqueue queues an encoded frame; frames for a slow consumer are dropped.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.closed:
		return false
	default:
		c.logger.Warn().Msg("dropping realtime frame for slow client")
		return false
	}
}

func (c *Client) trackConversation(conversationID string, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.conversations[conversationID] = struct{}{}
		return
	}
	delete(c.conversations, conversationID)
}

func (c *Client) joinedConversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.conversations))
	for id := range c.conversations {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("realtime write loop terminated")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("realtime ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
