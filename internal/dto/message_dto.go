package dto

import (
	"time"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// DimensionsPayload carries the pixel size of visual attachments.
type DimensionsPayload struct {
	Width  int `json:"width" validate:"min=0"`
	Height int `json:"height" validate:"min=0"`
}

// AttachmentPayload references media already stored through the upload endpoint.
type AttachmentPayload struct {
	Type       string             `json:"type" validate:"required,oneof=image video file audio location"`
	URL        string             `json:"url" validate:"required,url,max=1024"`
	Size       int64              `json:"size" validate:"min=0"`
	Name       string             `json:"name" validate:"omitempty,max=255"`
	MimeType   string             `json:"mime_type" validate:"omitempty,max=128"`
	Duration   *float64           `json:"duration" validate:"omitempty,min=0"`
	Dimensions *DimensionsPayload `json:"dimensions"`
}

// ToModel converts the payload into the persisted attachment shape.
func (p AttachmentPayload) ToModel() models.Attachment {
	attachment := models.Attachment{
		Type:     models.MessageType(p.Type),
		URL:      p.URL,
		Size:     p.Size,
		Name:     p.Name,
		MimeType: p.MimeType,
		Duration: p.Duration,
	}
	if p.Dimensions != nil {
		attachment.Dimensions = &models.Dimensions{Width: p.Dimensions.Width, Height: p.Dimensions.Height}
	}
	return attachment
}

// SendMessageRequest is the payload of send_message and POST /messages.
type SendMessageRequest struct {
	ConversationID string              `json:"conversation_id" validate:"required,max=36"`
	Content        string              `json:"content"`
	Type           string              `json:"type" validate:"omitempty,oneof=text image video file audio location"`
	Attachments    []AttachmentPayload `json:"attachments" validate:"omitempty,dive"`
	ReplyTo        *string             `json:"reply_to" validate:"omitempty,max=36"`
	Mentions       []string            `json:"mentions" validate:"omitempty,max=100,dive,required,max=64"`
}

// EditMessageRequest replaces the content of a message.
type EditMessageRequest struct {
	MessageID string `json:"message_id" validate:"required,max=36"`
	Content   string `json:"content" validate:"required"`
}

// DeleteMessageRequest tombstones a message or hides it for the caller only.
type DeleteMessageRequest struct {
	MessageID   string `json:"message_id" validate:"required,max=36"`
	ForEveryone bool   `json:"for_everyone"`
}

// ReactionRequest targets one emoji on one message.
type ReactionRequest struct {
	MessageID string `json:"message_id" validate:"required,max=36"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

// PinRequest targets a message for pin or unpin.
type PinRequest struct {
	MessageID string `json:"message_id" validate:"required,max=36"`
}

// MessageListQuery pages through a conversation's history.
type MessageListQuery struct {
	Before *time.Time `query:"before"`
	After  *time.Time `query:"after"`
	Limit  int        `query:"limit" validate:"omitempty,min=1,max=100"`
}

// UserSummary is the public profile attached to messages.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// NewUserSummary converts a profile into a summary, falling back to the bare id.
func NewUserSummary(id string, profile *models.UserProfile) UserSummary {
	if profile == nil {
		return UserSummary{ID: id, DisplayName: id}
	}
	name := profile.DisplayName
	if name == "" {
		name = id
	}
	return UserSummary{ID: id, DisplayName: name, AvatarURL: profile.AvatarURL}
}

// ReactionResponse is a single (emoji, user) entry.
type ReactionResponse struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// NewReactionResponseSlice converts reaction rows to DTOs.
func NewReactionResponseSlice(items []models.MessageReaction) []ReactionResponse {
	out := make([]ReactionResponse, 0, len(items))
	for _, item := range items {
		out = append(out, ReactionResponse{Emoji: item.Emoji, UserID: item.UserID, CreatedAt: item.CreatedAt})
	}
	return out
}

// ReceiptEntry records when a user received or read a message.
type ReceiptEntry struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// ReplySummary is the compact form of a replied-to message.
type ReplySummary struct {
	ID        string `json:"id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	IsDeleted bool   `json:"is_deleted"`
}

// MessageResponse is the serialized representation of a message.
type MessageResponse struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	Seq            int64               `json:"seq"`
	SenderID       string              `json:"sender_id"`
	Sender         *UserSummary        `json:"sender,omitempty"`
	Content        string              `json:"content"`
	Type           string              `json:"type"`
	Attachments    []models.Attachment `json:"attachments"`
	ReplyToID      *string             `json:"reply_to_id,omitempty"`
	ReplyTo        *ReplySummary       `json:"reply_to,omitempty"`
	MentionIDs     []string            `json:"mention_ids"`
	Reactions      []ReactionResponse  `json:"reactions"`
	DeliveredTo    []ReceiptEntry      `json:"delivered_to"`
	ReadBy         []ReceiptEntry      `json:"read_by"`
	IsEdited       bool                `json:"is_edited"`
	EditedAt       *time.Time          `json:"edited_at,omitempty"`
	IsDeleted      bool                `json:"is_deleted"`
	DeletedAt      *time.Time          `json:"deleted_at,omitempty"`
	IsPinned       bool                `json:"is_pinned"`
	PinnedBy       *string             `json:"pinned_by,omitempty"`
	PinnedAt       *time.Time          `json:"pinned_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// NewMessageResponse converts a message model into a DTO without hydrated relations.
func NewMessageResponse(model models.Message) MessageResponse {
	attachments := []models.Attachment(model.Attachments)
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	mentions := []string(model.MentionIDs)
	if mentions == nil {
		mentions = []string{}
	}

	return MessageResponse{
		ID:             model.ID,
		ConversationID: model.ConversationID,
		Seq:            model.Seq,
		SenderID:       model.SenderID,
		Content:        model.Content,
		Type:           string(model.Type),
		Attachments:    attachments,
		ReplyToID:      model.ReplyToID,
		MentionIDs:     mentions,
		Reactions:      []ReactionResponse{},
		DeliveredTo:    []ReceiptEntry{},
		ReadBy:         []ReceiptEntry{},
		IsEdited:       model.IsEdited,
		EditedAt:       model.EditedAt,
		IsDeleted:      model.IsDeleted,
		DeletedAt:      model.DeletedAt,
		IsPinned:       model.IsPinned,
		PinnedBy:       model.PinnedBy,
		PinnedAt:       model.PinnedAt,
		CreatedAt:      model.CreatedAt,
	}
}

// NewReplySummary converts a replied-to message into its compact form.
func NewReplySummary(model models.Message) ReplySummary {
	return ReplySummary{
		ID:        model.ID,
		SenderID:  model.SenderID,
		Content:   model.Content,
		Type:      string(model.Type),
		IsDeleted: model.IsDeleted,
	}
}

// MessageDeletion is the outcome of delete_message.
type MessageDeletion struct {
	Message     MessageResponse `json:"message"`
	ForEveryone bool            `json:"for_everyone"`
}

// ReactionsUpdate carries the full reaction list after a reaction change.
type ReactionsUpdate struct {
	ConversationID string             `json:"conversation_id"`
	MessageID      string             `json:"message_id"`
	UserID         string             `json:"user_id"`
	Emoji          string             `json:"emoji"`
	Added          bool               `json:"added"`
	Changed        bool               `json:"changed"`
	Reactions      []ReactionResponse `json:"reactions"`
}

// PinUpdate carries the pin state of a message and its conversation.
type PinUpdate struct {
	ConversationID   string     `json:"conversation_id"`
	MessageID        string     `json:"message_id"`
	IsPinned         bool       `json:"is_pinned"`
	PinnedBy         *string    `json:"pinned_by,omitempty"`
	PinnedAt         *time.Time `json:"pinned_at,omitempty"`
	PinnedMessageIDs []string   `json:"pinned_message_ids"`
}

// AttachmentUploadResponse describes stored media usable as an attachment payload.
type AttachmentUploadResponse struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Checksum string `json:"checksum"`
}
