package realtime

import (
	"time"

	"bankline/cmd/internal/ids"
)

// newConnectionID tags one dial attempt in logs.
func newConnectionID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
