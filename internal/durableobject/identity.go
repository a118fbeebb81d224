// Package durableobject implements the actor binding: per-(class,id) lazy
// singleton instances, input-gate single-writer serialization, async
// storage (KV + per-instance SQL), alarms with exponential-backoff retry,
// and WebSocket hibernation, grounded on the platform's state-manager and
// worker-pool idioms.
package durableobject

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// ID identifies one actor instance within its class. Name is preserved when
// the id was derived from a name via IDFromName, and is empty for ids
// obtained from NewUniqueID or IDFromString.
type ID struct {
	hex  string
	name string
}

// String returns the id's canonical hex representation.
func (id ID) String() string { return id.hex }

// Name returns the name the id was derived from, or "" if it wasn't.
func (id ID) Name() string { return id.name }

// Equals reports whether two ids refer to the same instance.
func (id ID) Equals(other ID) bool { return id.hex == other.hex }

// IDFromName derives a deterministic id for className+name: the same name
// always maps to the same id within a class.
func IDFromName(className, name string) ID {
	sum := sha256.Sum256([]byte(className + "\x00" + name))
	return ID{hex: hex.EncodeToString(sum[:])[:32], name: name}
}

// NewUniqueID generates a random id unrelated to any name.
func NewUniqueID() ID {
	u := uuid.New()
	return ID{hex: hex.EncodeToString(u[:])}
}

// IDFromString reconstructs an id from its hex representation, as received
// from a client that persisted a stub's id. The original name, if any, is
// not recoverable from the hex alone.
func IDFromString(s string) ID {
	return ID{hex: s}
}
