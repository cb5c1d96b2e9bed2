// Package idgen generates random identifiers for decisions, assessments,
// and audit events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// IDs must never silently collide, so give up loudly.
		panic("idgen: " + err.Error())
	}
	return b
}

// New generates a UUID-like random ID (32 hex chars with dashes).
func New() string {
	b := randBytes(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix generates a prefixed random ID, e.g. WithPrefix("dec_") for
// decisions or WithPrefix("evt_") for audit events. Result is the prefix
// plus 24 hex chars.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randBytes(12))
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(randBytes(numBytes))
}
