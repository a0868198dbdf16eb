package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/openfroyo/tgworker/pkg/stores"
)

// FileStore is the part of the sqlite store the database service needs.
type FileStore interface {
	PutFile(ctx context.Context, file *stores.FileObject) error
	GetFile(ctx context.Context, bucket, id string) (*stores.FileObject, error)
}

// DBService keeps artifacts as blobs in the worker's sqlite database.
type DBService struct {
	store FileStore
}

// NewDBService returns a Service backed by store.
func NewDBService(store FileStore) *DBService {
	return &DBService{store: store}
}

var _ Service = (*DBService)(nil)

// Upload implements Service.
func (s *DBService) Upload(ctx context.Context, d Descriptor, r io.Reader) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", d.Name, err)
	}
	sum := sha256.Sum256(content)

	obj := &stores.FileObject{
		ID:        uuid.NewString(),
		Bucket:    d.Bucket,
		AccountID: d.AccountID,
		Name:      d.Name,
		Size:      int64(len(content)),
		Checksum:  hex.EncodeToString(sum[:]),
		Content:   content,
	}
	if err := s.store.PutFile(ctx, obj); err != nil {
		return "", err
	}
	return obj.ID, nil
}

// Download implements Service. Files of other accounts are not visible.
func (s *DBService) Download(ctx context.Context, bucket, accountID, fileID string) (io.ReadCloser, error) {
	obj, err := s.store.GetFile(ctx, bucket, fileID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, fileID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if obj.AccountID != accountID {
		return nil, fmt.Errorf("%s/%s: %w", bucket, fileID, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.Content)), nil
}
