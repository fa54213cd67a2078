package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MessageType classifies message payloads.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageFile     MessageType = "file"
	MessageAudio    MessageType = "audio"
	MessageLocation MessageType = "location"
	MessageSystem   MessageType = "system"
)

// TombstoneContent replaces the content of messages deleted for everyone.
const TombstoneContent = "This message was deleted"

// Dimensions describe the pixel size of visual attachments.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Attachment is a media item referenced by a message.
type Attachment struct {
	Type       MessageType `json:"type"`
	URL        string      `json:"url"`
	Size       int64       `json:"size"`
	Name       string      `json:"name,omitempty"`
	MimeType   string      `json:"mime_type,omitempty"`
	Duration   *float64    `json:"duration,omitempty"`
	Dimensions *Dimensions `json:"dimensions,omitempty"`
}

// Message belongs to exactly one conversation and is never physically removed.
type Message struct {
	ID             string                         `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string                         `gorm:"size:36;not null;uniqueIndex:idx_message_conv_seq;index:idx_message_conv_created" json:"conversation_id"`
	Seq            int64                          `gorm:"not null;uniqueIndex:idx_message_conv_seq" json:"seq"`
	SenderID       string                         `gorm:"size:64;not null;index" json:"sender_id"`
	Content        string                         `gorm:"type:text" json:"content"`
	Type           MessageType                    `gorm:"size:16;not null" json:"type"`
	Attachments    datatypes.JSONSlice[Attachment] `gorm:"type:json" json:"attachments"`
	ReplyToID      *string                        `gorm:"size:36" json:"reply_to_id"`
	MentionIDs     datatypes.JSONSlice[string]     `gorm:"type:json" json:"mention_ids"`
	IsEdited       bool                           `gorm:"not null" json:"is_edited"`
	EditedAt       *time.Time                     `json:"edited_at"`
	IsDeleted      bool                           `gorm:"not null" json:"is_deleted"`
	DeletedAt      *time.Time                     `json:"deleted_at"`
	IsPinned       bool                           `gorm:"not null;index" json:"is_pinned"`
	PinnedBy       *string                        `gorm:"size:64" json:"pinned_by"`
	PinnedAt       *time.Time                     `json:"pinned_at"`
	CreatedAt      time.Time                      `gorm:"index:idx_message_conv_created" json:"created_at"`
	UpdatedAt      time.Time                      `json:"updated_at"`
}

// BeforeCreate assigns an identifier when none was provided.
func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// MessageReaction is one (emoji, user) entry on a message; the pair is unique per message.
type MessageReaction struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	MessageID string    `gorm:"size:36;not null;uniqueIndex:idx_reaction_message_user_emoji" json:"message_id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_reaction_message_user_emoji" json:"user_id"`
	Emoji     string    `gorm:"size:32;not null;uniqueIndex:idx_reaction_message_user_emoji" json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate assigns an identifier when none was provided.
func (r *MessageReaction) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// ReceiptKind separates delivery from read receipts.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// MessageReceipt records that a user received or read a message; at most one per kind.
type MessageReceipt struct {
	ID        string      `gorm:"primaryKey;size:36" json:"id"`
	MessageID string      `gorm:"size:36;not null;uniqueIndex:idx_receipt_message_user_kind" json:"message_id"`
	UserID    string      `gorm:"size:64;not null;uniqueIndex:idx_receipt_message_user_kind;index:idx_receipt_user_kind" json:"user_id"`
	Kind      ReceiptKind `gorm:"size:16;not null;uniqueIndex:idx_receipt_message_user_kind;index:idx_receipt_user_kind" json:"kind"`
	At        time.Time   `gorm:"not null" json:"at"`
}

// BeforeCreate assigns an identifier when none was provided.
func (r *MessageReceipt) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// HiddenMessage marks a message deleted for a single user only.
type HiddenMessage struct {
	MessageID string    `gorm:"primaryKey;size:36" json:"message_id"`
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
