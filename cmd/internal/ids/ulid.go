// Package ids provides identifier primitives (ULID) used for request correlation.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps request ids readable in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRequestID returns a ULID for the X-Request-ID header.
// It never fails: on entropy failure it falls back to a zero-entropy ULID.
func NewRequestID(now time.Time) string {
	if id, err := NewULID(now); err == nil {
		return id
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return ulid.MustNew(ulid.Timestamp(now), nil).String()
}
