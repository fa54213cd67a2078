package realtime

import (
	"encoding/json"

	"github.com/noah-isme/gema-chat-api/internal/service"
)

// Inbound events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventEditMessage       = "edit_message"
	EventDeleteMessage     = "delete_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_read"
	EventMarkDelivered     = "mark_delivered"
	EventAddReaction       = "add_reaction"
	EventRemoveReaction    = "remove_reaction"
	EventToggleReaction    = "toggle_reaction"
	EventPinMessage        = "pin_message"
	EventUnpinMessage      = "unpin_message"
	EventGetPresence       = "get_presence"
)

// Outbound events.
const (
	EventAck                 = "ack"
	EventError               = "error"
	EventNewMessage          = "new_message"
	EventMessageUpdated      = "message_updated"
	EventMessageDeleted      = "message_deleted"
	EventMessageHidden       = "message_hidden"
	EventReactionsUpdated    = "reactions_updated"
	EventMessagePinned       = "message_pinned"
	EventMessageUnpinned     = "message_unpinned"
	EventMessagesRead        = "messages_read"
	EventMessagesDelivered   = "messages_delivered"
	EventUnreadUpdated       = "unread_updated"
	EventTypingUpdate        = "typing_update"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventPresenceUpdate      = "presence_update"
	EventPresence            = "presence"
	EventConversationUpdated = "conversation_updated"
	EventParticipantsChanged = "participants_changed"
)

// Frame is the wire shape of every inbound event and of outbound broadcasts.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ack_id,omitempty"`
}

// AckFrame answers one inbound event on the connection that sent it.
type AckFrame struct {
	Event   string      `json:"event"`
	AckID   string      `json:"ack_id"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// ErrorPayload reports a failed event that carried no ack id.
type ErrorPayload struct {
	Event string `json:"event"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func encodeFrame(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

func successAck(ackID string, data interface{}) AckFrame {
	return AckFrame{Event: EventAck, AckID: ackID, Success: true, Data: data}
}

func failureAck(ackID string, err error) AckFrame {
	return AckFrame{
		Event:   EventAck,
		AckID:   ackID,
		Success: false,
		Error:   service.ReasonOf(err),
		Code:    string(service.KindOf(err)),
	}
}
