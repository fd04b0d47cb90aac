// Package files stores raw upload bytes in object storage and records them
// as UploadFile rows.
package files

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// PutOptions describes an object being written.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// Store is a flat key/value object store.
type Store interface {
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
