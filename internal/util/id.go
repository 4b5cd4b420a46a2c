package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idBytes = 12

// NewID returns a random hex identifier for request correlation. Twelve
// bytes of entropy keeps the id short in log lines while ruling out
// collisions in practice.
func NewID() string {
	b := make([]byte, idBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
