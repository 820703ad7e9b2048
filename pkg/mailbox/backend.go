// Package mailbox defines the per-entity mailbox backend contract and its
// in-process implementation. A Redis-backed implementation lives in the
// redisbackend subpackage.
package mailbox

import (
	"context"
	"time"

	"github.com/fluxorio/exchange/pkg/identity"
)

// State is the lifecycle state of a mailbox.
type State string

const (
	// Missing means the mailbox was never registered, or has been
	// garbage-collected after termination.
	Missing State = "MISSING"
	// Active means the mailbox exists and accepts messages.
	Active State = "ACTIVE"
	// Terminated means the mailbox exists but rejects new messages.
	Terminated State = "TERMINATED"
)

// CallerIdentity is the label presented by a caller to the backend: an
// entity id plus the set of shared-access groups it carries, used to
// enforce ownership and share_mailbox grants.
type CallerIdentity struct {
	ID     identity.EntityId
	Groups []string
}

func (c CallerIdentity) hasGroup(group string) bool {
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Backend is the mailbox backend contract: create/terminate/put/get/status/
// discover/share against whatever storage underlies it (in-process map or
// Redis). Every operation that can fail reports a *exchangeerr.Error from
// the shared taxonomy.
type Backend interface {
	// CreateMailbox is idempotent for the original owner and forbidden if
	// id already exists under a different owner.
	CreateMailbox(caller CallerIdentity, id identity.EntityId) error

	// Terminate is idempotent; a no-op on a MISSING mailbox. It sends no
	// reply to the senders of requests still queued in the mailbox, and
	// neither does pkg/exchange's Client, whose listener just stops once it
	// sees MailboxTerminated.
	Terminate(caller CallerIdentity, id identity.EntityId) error

	// Put enqueues msg to its destination mailbox.
	Put(caller CallerIdentity, msg identity.Message) error

	// Get blocks until a message is available, the mailbox terminates, ctx
	// is cancelled, or timeout elapses (a zero timeout means no timeout).
	Get(ctx context.Context, caller CallerIdentity, id identity.EntityId, timeout time.Duration) (identity.Message, error)

	// Status reports the current lifecycle state of id.
	Status(caller CallerIdentity, id identity.EntityId) (State, error)

	// Discover returns, in registration order, the AgentIds whose ancestry
	// contains name (or whose most-derived element equals name when
	// includeSubclasses is false). TERMINATED entries are excluded.
	Discover(caller CallerIdentity, name string, includeSubclasses bool) ([]identity.EntityId, error)

	// ShareMailbox grants read/write permission on id to any caller
	// bearing group in its CallerIdentity.
	ShareMailbox(owner CallerIdentity, id identity.EntityId, group string) error
}
