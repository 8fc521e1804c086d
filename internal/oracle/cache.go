package oracle

import "time"

// entry is a cached value with an absolute expiry. A value past its expiry is
// a miss, never a hit.
type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *entry[T]) live(now time.Time) bool {
	return e != nil && !now.After(e.expiresAt)
}

func newEntry[T any](value T, now time.Time, ttl time.Duration) *entry[T] {
	return &entry[T]{value: value, expiresAt: now.Add(ttl)}
}
