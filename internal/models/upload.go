package models

import "time"

// UploadRecord keeps metadata about attachments stored in object storage.
type UploadRecord struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	UserID    string      `gorm:"size:64;index" json:"user_id"`
	FileName  string      `gorm:"size:255;not null" json:"file_name"`
	URL       string      `gorm:"size:512;not null" json:"url"`
	Kind      MessageType `gorm:"size:16;not null" json:"kind"`
	MimeType  string      `gorm:"size:128;not null" json:"mime_type"`
	SizeBytes int64       `gorm:"not null" json:"size_bytes"`
	Checksum  string      `gorm:"size:128;index" json:"checksum"`
	CreatedAt time.Time   `json:"created_at"`
}
