package dto

import "time"

// ConversationRef is the payload of events that target a whole conversation.
type ConversationRef struct {
	ConversationID string `json:"conversation_id" validate:"required,max=36"`
}

// PresenceQuery asks for the presence of several users at once.
type PresenceQuery struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=200,dive,required,max=64"`
}

// PresenceResponse is the presence state of one user.
type PresenceResponse struct {
	UserID   string     `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// TypingUsers lists the users currently typing in a conversation.
type TypingUsers struct {
	ConversationID string   `json:"conversation_id"`
	UserIDs        []string `json:"user_ids"`
}

// MembershipEvent announces a user joining or leaving a conversation room.
type MembershipEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}
