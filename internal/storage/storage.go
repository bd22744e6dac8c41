// Package storage provides the pluggable object store used for asset and
// result images. The concrete backend (local disk or S3-compatible) is chosen
// once at startup; everything above this package depends on Store only.
package storage

import (
	"context"
	"errors"
)

// ErrUnavailable is returned once download retries are exhausted.
var ErrUnavailable = errors.New("storage unavailable")

// Store is the capability interface every backend implements. Keys are
// backend-agnostic relative references like "models/<uuid>.png".
type Store interface {
	// Put writes data under category/filename and returns the storage key.
	Put(ctx context.Context, data []byte, category, filename string) (string, error)
	// Get reads the object bytes. Single attempt; Service adds retries.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object. Deleting a missing object is success.
	Delete(ctx context.Context, key string) error
	// Archive moves the object into the archive namespace and returns the
	// new key.
	Archive(ctx context.Context, key string) (string, error)
	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)
	// AccessURL resolves a key to a client-usable URL. For remote backends
	// the URL is time-limited and must not be cached indefinitely.
	AccessURL(ctx context.Context, key string) (string, error)
	// Type identifies the backend ("local" or "s3").
	Type() string
}

// normalizeKey strips a leading slash so keys stored as URL paths and keys
// stored bare resolve to the same object.
func normalizeKey(key string) string {
	if len(key) > 0 && key[0] == '/' {
		return key[1:]
	}
	return key
}
