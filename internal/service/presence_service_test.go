package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, server *miniredis.Miniredis, nodeID string) PresenceTracker {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPresenceTracker(client, "test", nodeID, 5*time.Second, 30*time.Second, testLogger())
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	server := miniredis.RunT(t)
	tracker := newTestTracker(t, server, "node-a")
	ctx := context.Background()

	require.NoError(t, tracker.SetTyping(ctx, "conv-1", "bob"))
	require.NoError(t, tracker.SetTyping(ctx, "conv-1", "alice"))
	require.NoError(t, tracker.SetTyping(ctx, "conv-2", "carol"))

	users, err := tracker.TypingUsers(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, users)

	server.FastForward(3 * time.Second)
	require.NoError(t, tracker.SetTyping(ctx, "conv-1", "alice"))
	server.FastForward(3 * time.Second)

	users, err = tracker.TypingUsers(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, users)

	server.FastForward(6 * time.Second)
	users, err = tracker.TypingUsers(ctx, "conv-1")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestTypingUsersAreSortedAndUnique(t *testing.T) {
	server := miniredis.RunT(t)
	tracker := newTestTracker(t, server, "node-a")
	ctx := context.Background()

	// enough typers to span several SCAN pages
	want := make([]string, 0, 3*presenceScanSize)
	for i := 0; i < 3*presenceScanSize; i++ {
		userID := fmt.Sprintf("user-%03d", 3*presenceScanSize-i)
		want = append(want, userID)
		require.NoError(t, tracker.SetTyping(ctx, "conv-1", userID))
		require.NoError(t, tracker.SetTyping(ctx, "conv-1", userID))
	}
	sort.Strings(want)

	users, err := tracker.TypingUsers(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, want, users)
}

func TestClearTyping(t *testing.T) {
	server := miniredis.RunT(t)
	tracker := newTestTracker(t, server, "node-a")
	ctx := context.Background()

	require.NoError(t, tracker.SetTyping(ctx, "conv-1", "alice"))
	require.NoError(t, tracker.ClearTyping(ctx, "conv-1", "alice"))

	users, err := tracker.TypingUsers(ctx, "conv-1")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestPresenceAcrossDevices(t *testing.T) {
	server := miniredis.RunT(t)
	tracker := newTestTracker(t, server, "node-a")
	ctx := context.Background()

	first, err := tracker.Connect(ctx, "alice", "phone")
	require.NoError(t, err)
	require.True(t, first)

	first, err = tracker.Connect(ctx, "alice", "laptop")
	require.NoError(t, err)
	require.False(t, first)

	offline, err := tracker.Disconnect(ctx, "alice", "phone")
	require.NoError(t, err)
	require.False(t, offline)

	presence, err := tracker.Presence(ctx, []string{"alice", "ghost"})
	require.NoError(t, err)
	require.True(t, presence["alice"].IsOnline)
	require.False(t, presence["ghost"].IsOnline)
	require.Nil(t, presence["ghost"].LastSeen)

	offline, err = tracker.Disconnect(ctx, "alice", "laptop")
	require.NoError(t, err)
	require.True(t, offline)

	presence, err = tracker.Presence(ctx, []string{"alice"})
	require.NoError(t, err)
	require.False(t, presence["alice"].IsOnline)
	require.NotNil(t, presence["alice"].LastSeen)
}

func TestConnectPrunesConnectionsOfExpiredNodes(t *testing.T) {
	server := miniredis.RunT(t)
	crashed := newTestTracker(t, server, "node-a")
	survivor := newTestTracker(t, server, "node-b")
	ctx := context.Background()

	_, err := crashed.Connect(ctx, "alice", "phone")
	require.NoError(t, err)

	server.FastForward(31 * time.Second)

	first, err := survivor.Connect(ctx, "alice", "laptop")
	require.NoError(t, err)
	require.True(t, first)

	members, err := server.SMembers("test:presence:conns:alice")
	require.NoError(t, err)
	require.Equal(t, []string{"node-b/laptop"}, members)

	offline, err := survivor.Disconnect(ctx, "alice", "laptop")
	require.NoError(t, err)
	require.True(t, offline)
}

func TestDisconnectRacingConnectLeavesUserOnline(t *testing.T) {
	server := miniredis.RunT(t)
	tracker := newTestTracker(t, server, "node-a")
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		userID := fmt.Sprintf("user-%d", i)
		_, err := tracker.Connect(ctx, userID, "phone")
		require.NoError(t, err)

		var (
			wg                        sync.WaitGroup
			disconnectErr, connectErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, disconnectErr = tracker.Disconnect(ctx, userID, "phone")
		}()
		go func() {
			defer wg.Done()
			_, connectErr = tracker.Connect(ctx, userID, "laptop")
		}()
		wg.Wait()
		require.NoError(t, disconnectErr)
		require.NoError(t, connectErr)

		require.True(t, isOnline(server, userID), "iteration %d", i)
		require.Equal(t, "1", server.HGet("test:presence:user:"+userID, "isOnline"))
		members, err := server.SMembers("test:presence:conns:" + userID)
		require.NoError(t, err)
		require.Equal(t, []string{"node-a/laptop"}, members)
	}
}

func TestSetOnlineOffline(t *testing.T) {
	server := miniredis.RunT(t)
	tracker := newTestTracker(t, server, "node-a")
	ctx := context.Background()

	require.NoError(t, tracker.SetOnline(ctx, "bob"))
	require.True(t, server.Exists("test:presence:user:bob"))

	ok, err := server.SIsMember("test:presence:online", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tracker.SetOffline(ctx, "bob"))
	require.False(t, isOnline(server, "bob"))
	require.Equal(t, "0", server.HGet("test:presence:user:bob", "isOnline"))
}

// isOnline treats a deleted online set as empty.
func isOnline(server *miniredis.Miniredis, userID string) bool {
	if !server.Exists("test:presence:online") {
		return false
	}
	ok, err := server.SIsMember("test:presence:online", userID)
	return err == nil && ok
}
