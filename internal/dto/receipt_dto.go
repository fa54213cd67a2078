package dto

import "time"

// MarkReadRequest marks the conversation read, optionally up to one message.
type MarkReadRequest struct {
	ConversationID string  `json:"conversation_id" validate:"required,max=36"`
	MessageID      *string `json:"message_id" validate:"omitempty,max=36"`
}

// MarkDeliveredRequest acknowledges receipt of specific messages.
type MarkDeliveredRequest struct {
	ConversationID string   `json:"conversation_id" validate:"required,max=36"`
	MessageIDs     []string `json:"message_ids" validate:"required,min=1,max=500,dive,required,max=36"`
}

// ReceiptUpdate lists the messages whose delivered or read set gained the user.
type ReceiptUpdate struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	MessageIDs     []string  `json:"message_ids"`
	At             time.Time `json:"at"`
	UnreadCount    int64     `json:"unread_count"`
}

// UnreadUpdate is sent to a user's own devices when their counter changes.
type UnreadUpdate struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int64  `json:"unread_count"`
}
