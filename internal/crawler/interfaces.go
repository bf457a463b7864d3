package crawler

import (
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests for change detection.
type Hasher interface {
	Hash(content string) string
}
