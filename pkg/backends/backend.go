// Package backends provides remote tiers that mirror the local thumbnail
// cache. A mirror lets several machines that see the same source paths (for
// example over a shared home directory) reuse each other's thumbnails.
package backends

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when the backend holds no object for a key.
var ErrNotFound = errors.New("backends: object not found")

// Backend defines the interface for remote thumbnail storage.
//
// Keys are slash separated, e.g. "large/<md5>.png". Implementations must be
// safe for concurrent use. Backends store opaque bytes; validating that a
// mirrored thumbnail is still current is the caller's job.
type Backend interface {
	// Get opens the object stored under key. The caller closes the reader.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put stores body (size bytes) under key, replacing any previous object.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Close performs any cleanup operations needed by the backend.
	Close() error
}
