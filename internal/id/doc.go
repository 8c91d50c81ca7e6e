// Package id provides unique identifier generation utilities.
//
// This is the canonical source for ID generation across the tlstap codebase.
// It provides a few ID formats for different use cases:
//
//   - UUID: Standard UUID v4 (random) for general-purpose unique identifiers
//   - Short: 16-character hex IDs for user-facing contexts where brevity matters
//   - Rule / Session: prefixed Short IDs for rules and tapped TLS sessions
//
// UUIDs come from github.com/google/uuid; the short forms use crypto/rand.
package id
