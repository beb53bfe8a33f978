package locking

import "fmt"

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys. The thumbnail store keys groups by cache key, so two
// producers of the same thumbnail can be serialized (or coalesced) while
// producers of different thumbnails never wait on each other.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key.
	DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error)
}

// Mode names a Group implementation.
type Mode string

const (
	ModeNone         = Mode("none")
	ModeMemory       = Mode("memory")
	ModeSingleflight = Mode("singleflight")
	ModeFlock        = Mode("flock")
)

// New returns the Group for mode. lockDir is only used by ModeFlock.
func New(mode Mode, lockDir string) (Group, error) {
	switch mode {
	case "", ModeNone:
		return NewNoOpGroup(), nil
	case ModeMemory:
		return NewMemLock(), nil
	case ModeSingleflight:
		return NewSingleflight(), nil
	case ModeFlock:
		return NewFlock(lockDir)
	default:
		return nil, fmt.Errorf("unknown locking mode: %q", mode)
	}
}
