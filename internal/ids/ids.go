// Package ids generates opaque identifiers for notification records.
// Notification ids have no natural string to derive from (unlike session
// ids, which come from project+time), so they use a real UUID generator.
package ids

import "github.com/google/uuid"

// New returns a fresh opaque identifier.
func New() string {
	return uuid.NewString()
}
