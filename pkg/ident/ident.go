// Package ident provides identity and time primitives shared across the
// engine: opaque ids, UTC timestamps, canonical-JSON hashing for
// idempotency fingerprints, and deterministic tie-breaking.
package ident

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current time in UTC. All persisted timestamps go
// through here so that ordering comparisons never mix zones.
func Now() time.Time {
	return time.Now().UTC()
}
