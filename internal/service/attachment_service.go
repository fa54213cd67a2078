package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/models"
	"github.com/noah-isme/gema-chat-api/internal/observability"
	"github.com/noah-isme/gema-chat-api/internal/repository"
)

var (
	// ErrUploadMissing indicates the request carried no file.
	ErrUploadMissing = &Error{Kind: KindValidation, Reason: "file is required"}
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = &Error{Kind: KindValidation, Reason: "file exceeds maximum allowed size"}
	// ErrUploadTypeNotAllowed indicates the MIME type is not permitted.
	ErrUploadTypeNotAllowed = &Error{Kind: KindValidation, Reason: "file type not allowed"}
	// ErrUploadScanFailed indicates validation of the file contents failed.
	ErrUploadScanFailed = &Error{Kind: KindValidation, Reason: "file scanning failed"}
)

// FileStorage abstracts upload destinations.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// AttachmentService validates media and stores it for use as message attachments.
type AttachmentService interface {
	Upload(ctx context.Context, userID string, file *multipart.FileHeader) (dto.AttachmentUploadResponse, error)
}

type attachmentService struct {
	storage FileStorage
	repo    repository.UploadRepository
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
}

// NewAttachmentService constructs an attachment service.
func NewAttachmentService(storage FileStorage, repo repository.UploadRepository, maxSizeMB int, logger zerolog.Logger) AttachmentService {
	if maxSizeMB <= 0 {
		maxSizeMB = 25
	}
	return &attachmentService{
		storage: storage,
		repo:    repo,
		logger:  logger.With().Str("component", "attachment_service").Logger(),
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		tracer:  otel.Tracer("github.com/noah-isme/gema-chat-api/internal/service/attachment"),
	}
}

func (s *attachmentService) Upload(ctx context.Context, userID string, file *multipart.FileHeader) (dto.AttachmentUploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "attachment.store", trace.WithAttributes(
		attribute.Int64("upload.max_bytes", s.maxSize),
		attribute.String("upload.user_id", userID),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		observability.UploadLatency().Observe(time.Since(start).Seconds())
	}()

	if file == nil {
		span.SetStatus(codes.Error, "validation failed")
		return dto.AttachmentUploadResponse{}, ErrUploadMissing
	}
	span.SetAttributes(
		attribute.String("upload.original_name", strings.TrimSpace(file.Filename)),
		attribute.Int64("upload.request_size", file.Size),
	)

	if file.Size > s.maxSize {
		return dto.AttachmentUploadResponse{}, s.reject(span, "size", ErrUploadTooLarge)
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return dto.AttachmentUploadResponse{}, validationError(err)
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return dto.AttachmentUploadResponse{}, validationError(err)
	}
	if int64(buf.Len()) > s.maxSize {
		return dto.AttachmentUploadResponse{}, s.reject(span, "size", ErrUploadTooLarge)
	}

	detected := mimetype.Detect(buf.Bytes())
	mimeType := strings.ToLower(detected.String())
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	kind, ok := attachmentKind(mimeType)
	span.SetAttributes(attribute.String("upload.detected_mime", mimeType))
	if !ok {
		return dto.AttachmentUploadResponse{}, s.reject(span, "type", ErrUploadTypeNotAllowed)
	}

	if err := s.scan(buf.Bytes(), mimeType); err != nil {
		return dto.AttachmentUploadResponse{}, s.reject(span, "scan", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	checksum := hex.EncodeToString(sum[:])
	name := sanitizeFileName(file.Filename, detected.Extension())

	if previous, err := s.repo.FindByChecksum(ctx, userID, checksum); err == nil {
		s.logger.Debug().Str("checksum", checksum).Msg("reusing stored attachment")
		return uploadResponse(previous), nil
	} else if !isRecordNotFound(err) {
		s.logger.Warn().Err(err).Msg("failed to look up previous upload")
	}

	url, err := s.storage.Upload(ctx, name, bytes.NewReader(buf.Bytes()))
	if err != nil {
		observability.UploadRejected().WithLabelValues("storage").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failed")
		return dto.AttachmentUploadResponse{}, unavailable(err)
	}

	record := models.UploadRecord{
		UserID:    userID,
		FileName:  name,
		URL:       url,
		Kind:      kind,
		MimeType:  mimeType,
		SizeBytes: int64(buf.Len()),
		Checksum:  checksum,
	}
	if err := s.repo.Create(ctx, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return dto.AttachmentUploadResponse{}, unavailable(err)
	}

	observability.UploadRequests().WithLabelValues(string(kind)).Inc()
	span.SetStatus(codes.Ok, "stored")
	return uploadResponse(record), nil
}

func (s *attachmentService) reject(span trace.Span, reason string, err error) error {
	observability.UploadRejected().WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	return err
}

func (s *attachmentService) scan(payload []byte, mimeType string) error {
	if !strings.Contains(mimeType, "zip") {
		return nil
	}
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return ErrUploadScanFailed
	}
	var totalUncompressed uint64
	for _, f := range reader.File {
		totalUncompressed += f.UncompressedSize64
		if totalUncompressed > uint64(s.maxSize*20) {
			return &Error{Kind: KindValidation, Reason: ErrUploadScanFailed.Reason, Err: errors.New("zip archive uncompressed size too large")}
		}
	}
	return nil
}

func uploadResponse(record models.UploadRecord) dto.AttachmentUploadResponse {
	return dto.AttachmentUploadResponse{
		Type:     string(record.Kind),
		URL:      record.URL,
		Size:     record.SizeBytes,
		Name:     record.FileName,
		MimeType: record.MimeType,
		Checksum: record.Checksum,
	}
}

// attachmentKind maps a sniffed MIME type to the message attachment type.
func attachmentKind(mimeType string) (models.MessageType, bool) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.MessageImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return models.MessageVideo, true
	case strings.HasPrefix(mimeType, "audio/"):
		return models.MessageAudio, true
	}

	switch mimeType {
	case "application/pdf", "application/zip", "text/plain", "text/csv",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return models.MessageFile, true
	default:
		return "", false
	}
}

func sanitizeFileName(name, detectedExt string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ToLower(base)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = fmt.Sprintf("attachment-%d", time.Now().Unix())
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = detectedExt
	}
	if ext == "" {
		ext = ".bin"
	}
	return base + ext
}
