// Package objstore defines the object store client the engine reads blocks
// from and the backends that implement it.
package objstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no object exists under a key
	ErrNotFound = errors.New("object not found")
	// ErrUnavailable wraps transient backend failures that may be retried
	ErrUnavailable = errors.New("object store unavailable")
	// ErrInvalidKey is returned for keys a backend cannot address
	ErrInvalidKey = errors.New("invalid object key")
)

// Store reads and writes immutable byte blobs by key.
//
// Keys are "/"-separated paths. All implementations must be safe for
// concurrent use. Transient failures wrap ErrUnavailable; a missing object
// is reported as ErrNotFound.
type Store interface {
	// Get returns the object stored under key
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key, replacing any previous object
	Put(ctx context.Context, key string, data []byte) error

	// List returns every key starting with prefix in lexicographic order
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// IsNotFound reports whether err means the object does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err is a transient store failure
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
