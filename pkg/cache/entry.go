package cache

import (
	"time"
)

// Entry is an immutable cached upstream response.
// Refreshing a key inserts a new Entry; an Entry is never mutated after
// it has been stored.
type Entry struct {
	// Data is the response body.
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response.
	StatusCode int `json:"status_code"`

	// InsertedAt is when the entry was stored.
	InsertedAt time.Time `json:"inserted_at"`

	// TTL is how long the entry stays valid after insertion.
	TTL time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant the entry becomes stale.
func (e *Entry) ExpiresAt() time.Time {
	return e.InsertedAt.Add(e.TTL)
}

// Expired reports whether the entry is stale at the given instant.
// An entry inserted with TTL t is valid strictly before InsertedAt+t.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Size returns the entry's payload size in bytes.
func (e *Entry) Size() int {
	return len(e.Data)
}
