// Package id provides unique identifier generation utilities.
// This is the canonical source for ID generation across the codebase.
package id

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// UUID generates a UUID v4 (random).
// Returns a string in the format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
func UUID() string {
	return uuid.New().String()
}

// Short generates a short random hex ID (16 characters).
// Suitable for user-facing IDs where brevity matters.
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Rule returns a rule ID with the "rule-" prefix used for auto-assigned IDs.
func Rule() string {
	return "rule-" + Short()
}

// Event returns a bus event ID with the "evt-" prefix. Events cross the
// control API, so the body is a full UUID rather than a short ID.
func Event() string {
	return "evt-" + UUID()
}
