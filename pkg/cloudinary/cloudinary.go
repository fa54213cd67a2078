package cloudinary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned by a Storage built without credentials.
var ErrNotConfigured = errors.New("attachment storage is not configured")

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Configured reports whether every credential is present.
func (c Config) Configured() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// Storage uploads chat attachments to Cloudinary.
type Storage struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs the attachment storage. Without credentials it returns a Storage
// whose uploads fail with ErrNotConfigured, so the rest of the API still starts.
func New(cfg Config, logger zerolog.Logger) (*Storage, error) {
	storage := &Storage{
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "attachment_storage").Logger(),
	}
	if !cfg.Configured() {
		storage.logger.Warn().Msg("cloudinary credentials missing, attachment uploads disabled")
		return storage, nil
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}
	storage.client = cld
	return storage, nil
}

// Upload stores the file and returns its secure URL.
func (s *Storage) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	if s.client == nil {
		return "", ErrNotConfigured
	}

	publicID := PublicID(name, uuid.NewString())
	result, err := s.client.Upload.Upload(ctx, reader, uploader.UploadParams{
		Folder:         s.folder,
		PublicID:       publicID,
		ResourceType:   "auto",
		Overwrite:      api.Bool(false),
		UniqueFilename: api.Bool(false),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected attachment: %s", result.Error.Message)
	}

	s.logger.Debug().Str("public_id", path.Join(s.folder, publicID)).Int("bytes", result.Bytes).Msg("attachment stored")
	return result.SecureURL, nil
}

// PublicID derives a URL-safe asset id from the original file name and a unique suffix.
func PublicID(name, suffix string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, base)

	base = strings.Trim(base, "-")
	if len(base) > 64 {
		base = base[:64]
	}
	if base == "" {
		base = "attachment"
	}
	return base + "-" + suffix
}
