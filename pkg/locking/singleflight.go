package locking

import "golang.org/x/sync/singleflight"

// Singleflight coalesces concurrent calls for the same key: one caller runs fn
// and every caller that arrived while it was running receives the same result.
type Singleflight struct {
	group singleflight.Group
}

func NewSingleflight() *Singleflight {
	return &Singleflight{}
}

func (s *Singleflight) DoWithLock(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := s.group.Do(key, fn)
	return v, err
}
