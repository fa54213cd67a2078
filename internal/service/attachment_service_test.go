package service

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-api/internal/models"
)

type storageStub struct {
	uploaded bytes.Buffer
	calls    int
}

func (s *storageStub) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	s.calls++
	s.uploaded.Reset()
	if _, err := s.uploaded.ReadFrom(reader); err != nil {
		return "", err
	}
	return "https://cdn.example.com/" + name, nil
}

type uploadRepoStub struct {
	records []models.UploadRecord
}

func (u *uploadRepoStub) Create(ctx context.Context, record *models.UploadRecord) error {
	record.ID = uint(len(u.records) + 1)
	u.records = append(u.records, *record)
	return nil
}

func (u *uploadRepoStub) FindByChecksum(ctx context.Context, userID, checksum string) (models.UploadRecord, error) {
	for i := len(u.records) - 1; i >= 0; i-- {
		if u.records[i].UserID == userID && u.records[i].Checksum == checksum {
			return u.records[i], nil
		}
	}
	return models.UploadRecord{}, gorm.ErrRecordNotFound
}

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func TestAttachmentUploadRejectsSize(t *testing.T) {
	svc := NewAttachmentService(&storageStub{}, &uploadRepoStub{}, 1, testLogger())

	file := buildFileHeader(t, "plan.pdf", bytes.Repeat([]byte("a"), 2*1024*1024))
	_, err := svc.Upload(context.Background(), "alice", file)
	require.ErrorIs(t, err, ErrUploadTooLarge)
	require.Equal(t, KindValidation, KindOf(err))
}

func TestAttachmentUploadRejectsUnknownType(t *testing.T) {
	svc := NewAttachmentService(&storageStub{}, &uploadRepoStub{}, 5, testLogger())

	file := buildFileHeader(t, "tool.exe", []byte{0x4D, 0x5A, 0x90, 0x00, 0x03, 0x00, 0x00, 0x00})
	_, err := svc.Upload(context.Background(), "alice", file)
	require.ErrorIs(t, err, ErrUploadTypeNotAllowed)

	_, err = svc.Upload(context.Background(), "alice", nil)
	require.ErrorIs(t, err, ErrUploadMissing)
}

func TestAttachmentUploadStoresImage(t *testing.T) {
	storage := &storageStub{}
	repo := &uploadRepoStub{}
	svc := NewAttachmentService(storage, repo, 5, testLogger())

	resp, err := svc.Upload(context.Background(), "alice", buildFileHeader(t, "Beach Day.png", pngHeader))
	require.NoError(t, err)
	require.Equal(t, "image", resp.Type)
	require.Equal(t, "image/png", resp.MimeType)
	require.Equal(t, "beach-day.png", resp.Name)
	require.Equal(t, int64(len(pngHeader)), resp.Size)
	require.Contains(t, resp.URL, "beach-day")
	require.Len(t, repo.records, 1)
	require.Equal(t, "alice", repo.records[0].UserID)
	require.Equal(t, pngHeader, storage.uploaded.Bytes())
}

func TestAttachmentUploadReusesIdenticalContent(t *testing.T) {
	storage := &storageStub{}
	repo := &uploadRepoStub{}
	svc := NewAttachmentService(storage, repo, 5, testLogger())

	first, err := svc.Upload(context.Background(), "alice", buildFileHeader(t, "a.png", pngHeader))
	require.NoError(t, err)

	second, err := svc.Upload(context.Background(), "alice", buildFileHeader(t, "b.png", pngHeader))
	require.NoError(t, err)
	require.Equal(t, first.URL, second.URL)
	require.Equal(t, 1, storage.calls)

	_, err = svc.Upload(context.Background(), "bob", buildFileHeader(t, "a.png", pngHeader))
	require.NoError(t, err)
	require.Equal(t, 2, storage.calls)
}

func buildFileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {"form-data; name=\"file\"; filename=\"" + filename + "\""},
		"Content-Type":        {"application/octet-stream"},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader := multipart.NewReader(body, writer.Boundary())
	form, err := reader.ReadForm(int64(len(content) + 1024))
	require.NoError(t, err)
	files := form.File["file"]
	require.Len(t, files, 1)
	return files[0]
}
