package locking

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Flock is a Group implementation backed by advisory file locks, one lock file
// per key under dir. Unlike MemLock it also excludes other processes sharing
// the same lock directory.
type Flock struct {
	dir string
}

// NewFlock creates dir (owner-only) if needed and returns a Flock rooted there.
func NewFlock(dir string) (*Flock, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "thumbcache-locks")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Flock{dir: dir}, nil
}

func (f *Flock) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	fl := flock.New(filepath.Join(f.dir, key+".lock"))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	// The lock file itself is left in place; removing it would race with a
	// waiter that already opened it.
	defer fl.Unlock()
	return fn()
}
