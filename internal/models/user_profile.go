package models

import "time"

// UserProfile is the read-only projection of a user maintained by the identity service.
type UserProfile struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	DisplayName string    `gorm:"size:120" json:"display_name"`
	AvatarURL   string    `gorm:"size:500" json:"avatar_url"`
	UpdatedAt   time.Time `json:"updated_at"`
}
