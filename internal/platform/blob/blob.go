// Package blob stores uploaded statement files. References have the form
// "blob://<key>" whichever backend holds the bytes.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Scheme prefixes references into the store.
const Scheme = "blob://"

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("blob: not found")

// Bucket is an object store for statement files.
type Bucket interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// newKey picks a fresh key that keeps the original extension, or the sniffed
// one when name has none.
func newKey(name string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = mimetype.Detect(data).Extension()
	}
	id := uuid.NewString()
	return path.Join(id[:2], id+ext)
}

// KeyOf strips the scheme and rejects keys that are not already clean.
func KeyOf(ref string) (string, error) {
	key := strings.TrimPrefix(ref, Scheme)
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != key {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return cleaned, nil
}
