// Package blob stores named artifacts such as export bundles and witness
// log segments on a filesystem, S3, or GCS backend selected by URL scheme.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("blob: object not found")
	ErrBadKey   = errors.New("blob: invalid object key")
)

// Store is a keyed byte store. Keys may contain forward slashes to form
// a hierarchy; backends map them onto paths or object names.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// checkKey rejects keys that could escape the backend's namespace.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrBadKey, key)
		}
	}
	return nil
}
