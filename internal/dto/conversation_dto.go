package dto

import (
	"time"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// CreateDirectRequest opens (or reopens) a two-party conversation.
type CreateDirectRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

// CreateGroupRequest creates a group with the caller as its sole admin.
type CreateGroupRequest struct {
	Name           string   `json:"name" validate:"required,max=120"`
	Description    string   `json:"description" validate:"omitempty,max=500"`
	Avatar         string   `json:"avatar" validate:"omitempty,url,max=500"`
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=2,max=256,dive,required,max=64"`
}

// UpdateGroupRequest patches group metadata; nil fields are left untouched.
type UpdateGroupRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=120"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	Avatar      *string `json:"avatar" validate:"omitempty,max=500"`
}

// AddParticipantsRequest lists users to add to a group.
type AddParticipantsRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=256,dive,required,max=64"`
}

// ParticipantSettingsRequest updates the caller's own view of a conversation.
type ParticipantSettingsRequest struct {
	IsMuted    *bool      `json:"is_muted"`
	MutedUntil *time.Time `json:"muted_until"`
	IsArchived *bool      `json:"is_archived"`
	IsPinned   *bool      `json:"is_pinned"`
}

// ConversationListQuery filters the caller's conversation list.
type ConversationListQuery struct {
	Archived bool `query:"archived"`
	Limit    int  `query:"limit" validate:"omitempty,min=1,max=100"`
	Offset   int  `query:"offset" validate:"omitempty,min=0"`
}

// ParticipantResponse is the per-user membership state of a conversation.
type ParticipantResponse struct {
	ConversationID    string     `json:"conversation_id"`
	UserID            string     `json:"user_id"`
	Role              string     `json:"role"`
	UnreadCount       int64      `json:"unread_count"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
	LastReadMessageID *string    `json:"last_read_message_id,omitempty"`
	IsMuted           bool       `json:"is_muted"`
	MutedUntil        *time.Time `json:"muted_until,omitempty"`
	IsArchived        bool       `json:"is_archived"`
	IsPinned          bool       `json:"is_pinned"`
	PinnedAt          *time.Time `json:"pinned_at,omitempty"`
	IsActive          bool       `json:"is_active"`
	JoinedAt          time.Time  `json:"joined_at"`
	LeftAt            *time.Time `json:"left_at,omitempty"`
}

// NewParticipantResponse converts a participant model into a DTO.
func NewParticipantResponse(model models.ConversationParticipant) ParticipantResponse {
	return ParticipantResponse{
		ConversationID:    model.ConversationID,
		UserID:            model.UserID,
		Role:              string(model.Role),
		UnreadCount:       model.UnreadCount,
		LastReadAt:        model.LastReadAt,
		LastReadMessageID: model.LastReadMessageID,
		IsMuted:           model.MutedAt(time.Now()),
		MutedUntil:        model.MutedUntil,
		IsArchived:        model.IsArchived,
		IsPinned:          model.IsPinned,
		PinnedAt:          model.PinnedAt,
		IsActive:          model.IsActive,
		JoinedAt:          model.JoinedAt,
		LeftAt:            model.LeftAt,
	}
}

// ConversationResponse is the serialized representation of a conversation.
type ConversationResponse struct {
	ID                 string               `json:"id"`
	Kind               string               `json:"kind"`
	Name               string               `json:"name,omitempty"`
	Description        string               `json:"description,omitempty"`
	Avatar             string               `json:"avatar,omitempty"`
	CreatorID          string               `json:"creator_id"`
	ParticipantIDs     []string             `json:"participant_ids"`
	AdminIDs           []string             `json:"admin_ids"`
	LastMessageID      *string              `json:"last_message_id,omitempty"`
	LastMessageAt      *time.Time           `json:"last_message_at,omitempty"`
	LastMessagePreview string               `json:"last_message_preview,omitempty"`
	TotalMessageCount  int64                `json:"total_message_count"`
	PinnedMessageIDs   []string             `json:"pinned_message_ids"`
	IsActive           bool                 `json:"is_active"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
	Membership         *ParticipantResponse `json:"membership,omitempty"`
}

// NewConversationResponse converts a conversation and its active participants into a DTO.
// The membership of viewerID is attached when present.
func NewConversationResponse(model models.Conversation, participants []models.ConversationParticipant, pinned []string, viewerID string) ConversationResponse {
	response := ConversationResponse{
		ID:                 model.ID,
		Kind:               string(model.Kind),
		Name:               model.Name,
		Description:        model.Description,
		Avatar:             model.Avatar,
		CreatorID:          model.CreatorID,
		ParticipantIDs:     make([]string, 0, len(participants)),
		AdminIDs:           make([]string, 0, 1),
		LastMessageID:      model.LastMessageID,
		LastMessageAt:      model.LastMessageAt,
		LastMessagePreview: model.LastMessagePreview,
		TotalMessageCount:  model.TotalMessageCount,
		PinnedMessageIDs:   pinned,
		IsActive:           model.IsActive,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}
	if response.PinnedMessageIDs == nil {
		response.PinnedMessageIDs = []string{}
	}

	for _, participant := range participants {
		if participant.UserID == viewerID {
			membership := NewParticipantResponse(participant)
			response.Membership = &membership
		}
		if !participant.IsActive {
			continue
		}
		response.ParticipantIDs = append(response.ParticipantIDs, participant.UserID)
		if model.Kind == models.ConversationGroup && participant.Role == models.RoleAdmin {
			response.AdminIDs = append(response.AdminIDs, participant.UserID)
		}
	}

	return response
}

// ConversationChange describes the outcome of a membership or metadata change.
type ConversationChange struct {
	Conversation   ConversationResponse `json:"conversation"`
	SystemMessage  *MessageResponse     `json:"system_message,omitempty"`
	AddedUserIDs   []string             `json:"added_user_ids,omitempty"`
	RemovedUserIDs []string             `json:"removed_user_ids,omitempty"`
	PromotedUserID string               `json:"promoted_user_id,omitempty"`
}
