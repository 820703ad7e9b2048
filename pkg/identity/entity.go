// Package identity defines the addressing and message model shared by every
// component of the exchange runtime: entity identifiers, the message
// envelope, and the request/response body variants carried inside it.
package identity

import (
	"strings"

	"github.com/fluxorio/exchange/pkg/failfast"
	"github.com/google/uuid"
)

// EntityKind distinguishes a user-held identifier from an agent-held one.
type EntityKind string

const (
	// User identifies a client-side entity: typically the process hosting
	// a Manager.
	User EntityKind = "user"
	// Agent identifies a long-lived behavior instance running under a
	// Manager-owned worker.
	Agent EntityKind = "agent"
)

// EntityId is the union of UserId and AgentId described by the data model:
// a random 128-bit identifier, an optional human-readable name, and, for
// agents, the ordered behavior-ancestry list (most-derived first) used by
// discovery.
type EntityId struct {
	Kind EntityKind
	UID  string
	Name string
	// Ancestry lists behavior type names from most-derived to base. Empty
	// for UserIds.
	Ancestry []string
}

// NewUserId creates a UserId with a fresh random identifier.
func NewUserId(name string) EntityId {
	return EntityId{Kind: User, UID: uuid.NewString(), Name: name}
}

// NewAgentId creates an AgentId with a fresh random identifier and the given
// behavior ancestry (most-derived type first).
func NewAgentId(name string, ancestry []string) EntityId {
	failfast.If(len(ancestry) > 0, "agent id requires at least one behavior ancestry entry")
	cp := make([]string, len(ancestry))
	copy(cp, ancestry)
	return EntityId{Kind: Agent, UID: uuid.NewString(), Name: name, Ancestry: cp}
}

// Equal compares two EntityIds by identifier, per the data model's rule that
// equality and hash are by the identifier alone.
func (e EntityId) Equal(other EntityId) bool {
	return e.UID == other.UID
}

// IsZero reports whether e is the zero EntityId (no identifier assigned).
func (e EntityId) IsZero() bool {
	return e.UID == ""
}

// MostDerived returns the most-derived behavior name, or "" for a UserId.
func (e EntityId) MostDerived() string {
	if len(e.Ancestry) == 0 {
		return ""
	}
	return e.Ancestry[0]
}

// HasAncestor reports whether name appears anywhere in e's ancestry list.
func (e EntityId) HasAncestor(name string) bool {
	for _, a := range e.Ancestry {
		if a == name {
			return true
		}
	}
	return false
}

func (e EntityId) String() string {
	if e.Name != "" {
		return string(e.Kind) + ":" + e.UID + ":" + e.Name
	}
	return string(e.Kind) + ":" + e.UID
}

// Key returns a stable string suitable for use as a map key or backend key
// component, independent of Name/Ancestry.
func (e EntityId) Key() string {
	return string(e.Kind) + ":" + e.UID
}

// ParseKey reverses Key for backends that need to recover Kind/UID from a
// stored key (ancestry and name must be looked up separately).
func ParseKey(key string) (EntityId, bool) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return EntityId{}, false
	}
	kind := EntityKind(parts[0])
	if kind != User && kind != Agent {
		return EntityId{}, false
	}
	return EntityId{Kind: kind, UID: parts[1]}, true
}
