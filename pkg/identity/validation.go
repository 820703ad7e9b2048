package identity

import (
	"time"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
)

// MaxNameLength bounds a human-readable entity name, mirroring the
// lineage's address-length validation.
const MaxNameLength = 255

// DefaultMaxTimeout is the ceiling accepted by ValidateTimeout.
const DefaultMaxTimeout = 5 * time.Minute

// ValidateEntityId checks the basic well-formedness of id: it must carry an
// identifier, and only AgentIds may carry ancestry.
func ValidateEntityId(id EntityId) error {
	if id.UID == "" {
		return exchangeerr.New(exchangeerr.BadEntity, "entity id has no identifier")
	}
	if len(id.Name) > MaxNameLength {
		return exchangeerr.New(exchangeerr.BadEntity, "entity name too long (max %d characters)", MaxNameLength)
	}
	if id.Kind == User && len(id.Ancestry) > 0 {
		return exchangeerr.New(exchangeerr.BadEntity, "user id cannot carry behavior ancestry")
	}
	if id.Kind == Agent && len(id.Ancestry) == 0 {
		return exchangeerr.New(exchangeerr.BadEntity, "agent id requires behavior ancestry")
	}
	return nil
}

// ValidateTimeout checks that timeout is a usable positive duration within
// the runtime's accepted bound.
func ValidateTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return exchangeerr.New(exchangeerr.Timeout, "timeout must be positive")
	}
	if timeout > DefaultMaxTimeout {
		return exchangeerr.New(exchangeerr.Timeout, "timeout too large (max %s)", DefaultMaxTimeout)
	}
	return nil
}

// ValidateBodySize checks an encoded message body against a backend's
// configured size limit.
func ValidateBodySize(encoded []byte, limit int) error {
	if limit > 0 && len(encoded) > limit {
		return exchangeerr.New(exchangeerr.MessageTooLarge, "encoded message is %d bytes, limit is %d", len(encoded), limit)
	}
	return nil
}
