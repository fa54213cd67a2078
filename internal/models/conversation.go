package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationKind distinguishes two-party conversations from groups.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// ParticipantRole is the role a user holds inside a conversation.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// Conversation is a direct or group messaging context.
type Conversation struct {
	ID                 string           `gorm:"primaryKey;size:36" json:"id"`
	Kind               ConversationKind `gorm:"size:16;not null;index" json:"kind"`
	DirectKey          *string          `gorm:"size:160;uniqueIndex" json:"-"`
	CreatorID          string           `gorm:"size:64;index" json:"creator_id"`
	Name               string           `gorm:"size:120" json:"name"`
	Description        string           `gorm:"size:500" json:"description"`
	Avatar             string           `gorm:"size:500" json:"avatar"`
	LastMessageID      *string          `gorm:"size:36" json:"last_message_id"`
	LastMessageAt      *time.Time       `gorm:"index" json:"last_message_at"`
	LastMessagePreview string           `gorm:"size:200" json:"last_message_preview"`
	TotalMessageCount  int64            `gorm:"not null;default:0" json:"total_message_count"`
	IsActive           bool             `gorm:"not null;index" json:"is_active"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// BeforeCreate assigns an identifier when none was provided.
func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// IsGroup reports whether the conversation is a group.
func (c Conversation) IsGroup() bool {
	return c.Kind == ConversationGroup
}

// DirectPairKey returns the canonical key for the unordered pair (a, b).
func DirectPairKey(a, b string) string {
	pair := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

// ConversationParticipant is the per-(conversation, user) membership record.
type ConversationParticipant struct {
	ID                string          `gorm:"primaryKey;size:36" json:"id"`
	ConversationID    string          `gorm:"size:36;not null;uniqueIndex:idx_participant_conv_user" json:"conversation_id"`
	UserID            string          `gorm:"size:64;not null;uniqueIndex:idx_participant_conv_user;index" json:"user_id"`
	Role              ParticipantRole `gorm:"size:16;not null" json:"role"`
	UnreadCount       int64           `gorm:"not null;default:0" json:"unread_count"`
	LastReadAt        *time.Time      `json:"last_read_at"`
	LastReadMessageID *string         `gorm:"size:36" json:"last_read_message_id"`
	IsMuted           bool            `gorm:"not null" json:"is_muted"`
	MutedUntil        *time.Time      `json:"muted_until"`
	IsArchived        bool            `gorm:"not null" json:"is_archived"`
	IsPinned          bool            `gorm:"not null" json:"is_pinned"`
	PinnedAt          *time.Time      `json:"pinned_at"`
	IsActive          bool            `gorm:"not null;index" json:"is_active"`
	JoinedAt          time.Time       `json:"joined_at"`
	LeftAt            *time.Time      `json:"left_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// BeforeCreate assigns an identifier when none was provided.
func (p *ConversationParticipant) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// IsAdmin reports whether the participant is an active admin.
func (p ConversationParticipant) IsAdmin() bool {
	return p.IsActive && p.Role == RoleAdmin
}

// MutedAt reports whether notifications are muted at the given instant.
func (p ConversationParticipant) MutedAt(now time.Time) bool {
	if !p.IsMuted {
		return false
	}
	return p.MutedUntil == nil || p.MutedUntil.After(now)
}
