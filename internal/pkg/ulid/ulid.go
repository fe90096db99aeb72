// Package ulid provides ULID generation for control-plane entity ids.
package ulid

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// New generates a new ULID.
func New() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewFromTime generates a new ULID with a specific timestamp.
func NewFromTime(t time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return id.String()
}

// NewCommandID returns a command id of the form "cmd-<ULID>".
func NewCommandID() string {
	return "cmd-" + New()
}

// NewBindingID returns a binding id of the form "bnd-<ULID>".
func NewBindingID() string {
	return "bnd-" + New()
}

// NewOutboxID returns an outbox record id of the form "out-<ULID>".
func NewOutboxID() string {
	return "out-" + New()
}

// NewAttemptID returns a reload attempt id of the form "rla-<ULID>".
func NewAttemptID() string {
	return "rla-" + New()
}

// NewTurnID returns an operator turn id of the form "turn-<ULID>".
func NewTurnID() string {
	return "turn-" + New()
}

// Parse parses a ULID string.
func Parse(s string) (ulid.ULID, error) {
	return ulid.Parse(s)
}

// IsValid checks if a string is a valid ULID, ignoring a known entity prefix.
func IsValid(s string) bool {
	if i := strings.LastIndex(s, "-"); i >= 0 {
		s = s[i+1:]
	}
	_, err := ulid.Parse(s)
	return err == nil
}

// Time extracts the timestamp from a ULID string.
func Time(s string) (time.Time, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
