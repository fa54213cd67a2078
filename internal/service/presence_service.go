package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-api/internal/dto"
)

const (
	defaultTypingTTL = 5 * time.Second
	defaultNodeTTL   = 30 * time.Second
	presenceScanSize = 100
)

// disconnectScript drops one connection and, when it was the last, marks the user
// offline in the same step so a concurrent Connect cannot be overwritten.
var disconnectScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) > 0 then
	return 0
end
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[3], 'isOnline', '0', 'lastSeen', ARGV[3])
return 1
`)

// PresenceTracker keeps ephemeral online and typing state in Redis.
type PresenceTracker interface {
	SetTyping(ctx context.Context, conversationID, userID string) error
	ClearTyping(ctx context.Context, conversationID, userID string) error
	TypingUsers(ctx context.Context, conversationID string) ([]string, error)
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Connect(ctx context.Context, userID, connectionID string) (bool, error)
	Disconnect(ctx context.Context, userID, connectionID string) (bool, error)
	Presence(ctx context.Context, userIDs []string) (map[string]dto.PresenceResponse, error)
	Heartbeat(ctx context.Context) error
}

type presenceTracker struct {
	redis     *redis.Client
	prefix    string
	nodeID    string
	typingTTL time.Duration
	nodeTTL   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPresenceTracker creates a Redis backed presence tracker. Keys live under prefix,
// and nodeID identifies this process when tracking live connections.
func NewPresenceTracker(redisClient *redis.Client, prefix, nodeID string, typingTTL, nodeTTL time.Duration, logger zerolog.Logger) PresenceTracker {
	if prefix == "" {
		prefix = "chat"
	}
	if typingTTL <= 0 {
		typingTTL = defaultTypingTTL
	}
	if nodeTTL <= 0 {
		nodeTTL = defaultNodeTTL
	}

	return &presenceTracker{
		redis:     redisClient,
		prefix:    prefix,
		nodeID:    nodeID,
		typingTTL: typingTTL,
		nodeTTL:   nodeTTL,
		logger:    logger.With().Str("component", "presence_tracker").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *presenceTracker) typingKey(conversationID, userID string) string {
	return fmt.Sprintf("%s:typing:%s:%s", p.prefix, conversationID, userID)
}

func (p *presenceTracker) onlineKey() string {
	return p.prefix + ":presence:online"
}

func (p *presenceTracker) userKey(userID string) string {
	return p.prefix + ":presence:user:" + userID
}

func (p *presenceTracker) connectionsKey(userID string) string {
	return p.prefix + ":presence:conns:" + userID
}

func (p *presenceTracker) nodeKey(nodeID string) string {
	return p.prefix + ":node:" + nodeID
}

func (p *presenceTracker) SetTyping(ctx context.Context, conversationID, userID string) error {
	return p.redis.Set(ctx, p.typingKey(conversationID, userID), p.now().Format(time.RFC3339Nano), p.typingTTL).Err()
}

func (p *presenceTracker) ClearTyping(ctx context.Context, conversationID, userID string) error {
	return p.redis.Del(ctx, p.typingKey(conversationID, userID)).Err()
}

func (p *presenceTracker) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	prefix := p.typingKey(conversationID, "")
	pattern := escapeGlob(prefix) + "*"

	users := make([]string, 0)
	iter := p.redis.Scan(ctx, 0, pattern, presenceScanSize).Iterator()
	for iter.Next(ctx) {
		userID := strings.TrimPrefix(iter.Val(), prefix)
		if userID != "" {
			users = append(users, userID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	// SCAN may return a key more than once
	users = uniqueStrings(users)
	sort.Strings(users)
	return users, nil
}

func (p *presenceTracker) SetOnline(ctx context.Context, userID string) error {
	_, err := p.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, p.onlineKey(), userID)
		pipe.HSet(ctx, p.userKey(userID), "isOnline", "1", "lastSeen", p.now().Format(time.RFC3339Nano))
		return nil
	})
	return err
}

func (p *presenceTracker) SetOffline(ctx context.Context, userID string) error {
	_, err := p.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, p.onlineKey(), userID)
		pipe.HSet(ctx, p.userKey(userID), "isOnline", "0", "lastSeen", p.now().Format(time.RFC3339Nano))
		return nil
	})
	return err
}

// Connect registers a live connection and marks the user online. Connections owned by
// processes whose heartbeat expired are pruned first. It reports whether the user had no
// other live connection.
func (p *presenceTracker) Connect(ctx context.Context, userID, connectionID string) (bool, error) {
	if err := p.Heartbeat(ctx); err != nil {
		return false, err
	}

	key := p.connectionsKey(userID)
	members, err := p.redis.SMembers(ctx, key).Result()
	if err != nil {
		return false, err
	}

	live, err := p.pruneStale(ctx, key, members)
	if err != nil {
		return false, err
	}

	if err := p.redis.SAdd(ctx, key, p.member(connectionID)).Err(); err != nil {
		return false, err
	}
	if err := p.SetOnline(ctx, userID); err != nil {
		return false, err
	}
	return live == 0, nil
}

// Disconnect removes a live connection; the user is marked offline once none remain.
func (p *presenceTracker) Disconnect(ctx context.Context, userID, connectionID string) (bool, error) {
	keys := []string{p.connectionsKey(userID), p.onlineKey(), p.userKey(userID)}
	last, err := disconnectScript.Run(ctx, p.redis, keys, p.member(connectionID), userID, p.now().Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return false, err
	}
	return last == 1, nil
}

func (p *presenceTracker) Presence(ctx context.Context, userIDs []string) (map[string]dto.PresenceResponse, error) {
	out := make(map[string]dto.PresenceResponse, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	online := make([]*redis.BoolCmd, len(userIDs))
	states := make([]*redis.MapStringStringCmd, len(userIDs))
	_, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, userID := range userIDs {
			online[i] = pipe.SIsMember(ctx, p.onlineKey(), userID)
			states[i] = pipe.HGetAll(ctx, p.userKey(userID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, userID := range userIDs {
		presence := dto.PresenceResponse{UserID: userID, IsOnline: online[i].Val()}
		if raw := states[i].Val()["lastSeen"]; raw != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				presence.LastSeen = &parsed
			}
		}
		out[userID] = presence
	}
	return out, nil
}

// Heartbeat refreshes this process's liveness key.
func (p *presenceTracker) Heartbeat(ctx context.Context) error {
	return p.redis.Set(ctx, p.nodeKey(p.nodeID), p.now().Format(time.RFC3339Nano), p.nodeTTL).Err()
}

func (p *presenceTracker) member(connectionID string) string {
	return p.nodeID + "/" + connectionID
}

func (p *presenceTracker) pruneStale(ctx context.Context, key string, members []string) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}

	nodes := make(map[string]*redis.IntCmd)
	_, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, member := range members {
			node := nodeOf(member)
			if _, ok := nodes[node]; !ok {
				nodes[node] = pipe.Exists(ctx, p.nodeKey(node))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	stale := make([]interface{}, 0)
	for _, member := range members {
		if nodes[nodeOf(member)].Val() == 0 {
			stale = append(stale, member)
		}
	}
	if len(stale) > 0 {
		if err := p.redis.SRem(ctx, key, stale...).Err(); err != nil {
			return 0, err
		}
		p.logger.Info().Str("key", key).Int("pruned", len(stale)).Msg("pruned connections of expired nodes")
	}
	return len(members) - len(stale), nil
}

func nodeOf(member string) string {
	if idx := strings.Index(member, "/"); idx >= 0 {
		return member[:idx]
	}
	return member
}

func escapeGlob(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(value)
}
