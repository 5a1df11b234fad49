// Package ids generates identifiers for modules, checkpoints, and diff
// records.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateID generates a secure random hex identifier, used for module
// identities that must remain stable and opaque for the life of the
// registry entry.
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a time-derived ID if the system's entropy source
		// fails; still unique enough for a single-process run.
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// NewRecordID generates a UUID for checkpoints and diff records, where a
// parseable identifier is more useful to external tooling than an opaque
// hex blob.
func NewRecordID() string {
	return uuid.NewString()
}
