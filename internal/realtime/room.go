package realtime

import "strings"

// Room names a multicast group of live connections.
type Room string

const (
	conversationRoomPrefix = "conversation:"
	userRoomPrefix         = "user:"
)

// ConversationRoom is the group of connections currently viewing a conversation.
func ConversationRoom(conversationID string) Room {
	return Room(conversationRoomPrefix + conversationID)
}

// UserRoom is the group of every connection a user holds, one per device.
func UserRoom(userID string) Room {
	return Room(userRoomPrefix + userID)
}

// UserRooms maps user ids to their rooms.
func UserRooms(userIDs []string) []Room {
	rooms := make([]Room, 0, len(userIDs))
	for _, id := range userIDs {
		rooms = append(rooms, UserRoom(id))
	}
	return rooms
}

// ConversationRooms maps conversation ids to their rooms.
func ConversationRooms(conversationIDs []string) []Room {
	rooms := make([]Room, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		rooms = append(rooms, ConversationRoom(id))
	}
	return rooms
}

// ConversationID returns the conversation a room belongs to, if any.
func (r Room) ConversationID() (string, bool) {
	if !strings.HasPrefix(string(r), conversationRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(r), conversationRoomPrefix), true
}

func (r Room) String() string {
	return string(r)
}
