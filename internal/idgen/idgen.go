// Package idgen generates BoxIds and the monotonic timestamps they sort by.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// mu guards entropy so concurrent NewBoxID calls never hand out colliding
// ids even when called within the same millisecond.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewBoxID returns a new lexicographically-sortable, 26-character BoxId.
func NewBoxID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// MinPrefixLen is the shortest prefix the runtime will resolve against the
// box registry; spec.md requires prefixes of at least 8 characters.
const MinPrefixLen = 8

// IsValidPrefix reports whether s is long enough and shaped like a ULID
// prefix to be used for prefix resolution.
func IsValidPrefix(s string) bool {
	if len(s) < MinPrefixLen || len(s) > ulid.EncodedSize {
		return false
	}
	for _, r := range s {
		if !isCrockford(r) {
			return false
		}
	}
	return true
}

func isCrockford(r rune) bool {
	switch {
	case r == 'I' || r == 'L' || r == 'O' || r == 'U' ||
		r == 'i' || r == 'l' || r == 'o' || r == 'u':
		return false
	case r >= '0' && r <= '9':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	}
	return false
}
