// Package ids generates the 26-character sortable identifiers used for
// every row the engine writes, and owns the single place where they are
// converted to the 16-byte UUID shape some libraries expect.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ZeroActor is the actor id recorded for writes performed by the system
// itself rather than a user.
const ZeroActor = "00000000000000000000000000"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID string. IDs generated within one process are
// strictly monotonic, so insertion order and lexicographic order agree.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Parse validates a 26-character ULID string.
func Parse(s string) (ulid.ULID, error) {
	return ulid.ParseStrict(s)
}

// Valid reports whether s is a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// ToUUID reinterprets the 16 bytes of a ULID as a UUID. This is the only
// place the conversion occurs; everything internal stays in ULID form.
func ToUUID(id ulid.ULID) uuid.UUID {
	return uuid.UUID(id)
}

// FromUUID is the inverse of ToUUID.
func FromUUID(u uuid.UUID) ulid.ULID {
	return ulid.ULID(u)
}
