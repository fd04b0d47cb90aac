package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/pkg/models"
)

// Service writes upload bytes to a Store and records them as UploadFile rows.
type Service struct {
	store   Store
	uploads storage.UploadFileStore
	now     func() time.Time
}

// NewService creates a file service.
func NewService(store Store, uploads storage.UploadFileStore) *Service {
	return &Service{store: store, uploads: uploads, now: time.Now}
}

// Upload stores data under a generated key and creates the UploadFile row.
func (s *Service) Upload(ctx context.Context, accountID, name string, data io.Reader) (*models.UploadFile, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("file name is required")
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	mimeType := mime.TypeByExtension("." + ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	now := s.now().UTC()
	id := uuid.NewString()
	key := fmt.Sprintf("%s/%04d/%02d/%02d/%s", accountID, now.Year(), now.Month(), now.Day(), id)
	if ext != "" {
		key += "." + ext
	}

	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(data, hasher)}
	if err := s.store.Put(ctx, key, counter, PutOptions{MimeType: mimeType}); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	file := &models.UploadFile{
		ID:        id,
		AccountID: accountID,
		Name:      name,
		Key:       key,
		Size:      counter.n,
		Extension: ext,
		MimeType:  mimeType,
		Hash:      hex.EncodeToString(hasher.Sum(nil)),
	}
	if err := s.uploads.Create(ctx, file); err != nil {
		_ = s.store.Delete(ctx, key)
		return nil, fmt.Errorf("record upload: %w", err)
	}
	return file, nil
}

// Load returns the UploadFile row and a reader for its bytes.
// The caller closes the reader.
func (s *Service) Load(ctx context.Context, uploadFileID string) (*models.UploadFile, io.ReadCloser, error) {
	file, err := s.uploads.Get(ctx, uploadFileID)
	if err != nil {
		return nil, nil, fmt.Errorf("get upload file %s: %w", uploadFileID, err)
	}
	body, err := s.store.Open(ctx, file.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("open upload file %s: %w", uploadFileID, err)
	}
	return file, body, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
