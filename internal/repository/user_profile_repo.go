package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

// UserProfileRepository reads the user projection maintained by the identity service.
type UserProfileRepository interface {
	FindByIDs(ctx context.Context, ids []string) (map[string]models.UserProfile, error)
	Upsert(ctx context.Context, profile *models.UserProfile) error
}

type userProfileRepository struct {
	db *gorm.DB
}

// NewUserProfileRepository constructs a profile repository backed by GORM.
func NewUserProfileRepository(db *gorm.DB) UserProfileRepository {
	return &userProfileRepository{db: db}
}

func (r *userProfileRepository) FindByIDs(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	out := make(map[string]models.UserProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var profiles []models.UserProfile
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&profiles).Error; err != nil {
		return nil, err
	}
	for _, profile := range profiles {
		out[profile.ID] = profile
	}
	return out, nil
}

func (r *userProfileRepository) Upsert(ctx context.Context, profile *models.UserProfile) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "updated_at"}),
	}).Create(profile).Error
}
