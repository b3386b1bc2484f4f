package payment

import (
	"strings"

	"github.com/google/uuid"
)

// NewReference returns an unguessable transaction reference: 122 random bits from a
// v4 UUID, hex encoded, behind an optional prefix.
func NewReference(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
