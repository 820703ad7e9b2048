package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/fluxorio/exchange/pkg/concurrency"
	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
)

// entry is one mailbox's state: lifecycle, ownership, shared groups,
// ancestry, and its FIFO queue. The queue is the lineage's bounded
// channel-backed concurrency.Mailbox, reused here as the per-entity inbox.
type entry struct {
	id     identity.EntityId
	owner  CallerIdentity
	state  State
	shared map[string]bool
	queue  concurrency.Mailbox
}

// InProcessConfig configures the in-process backend.
type InProcessConfig struct {
	// QueueCapacity bounds each mailbox's pending-message count.
	QueueCapacity int
	// MaxMessageSize bounds the encoded size of any single message, in
	// bytes; zero means unbounded.
	MaxMessageSize int
}

// DefaultInProcessConfig returns sane defaults for local/testing use.
func DefaultInProcessConfig() InProcessConfig {
	return InProcessConfig{QueueCapacity: 256, MaxMessageSize: 4 << 20}
}

// inProcessBackend implements Backend over a guarded in-memory map, the way
// the lineage's gocmd/vertx deployment registries track live state by id.
type inProcessBackend struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order, for discover()
	config  InProcessConfig
}

// NewInProcess creates a fresh in-process mailbox backend.
func NewInProcess(config InProcessConfig) Backend {
	if config.QueueCapacity < 1 {
		config.QueueCapacity = DefaultInProcessConfig().QueueCapacity
	}
	return &inProcessBackend{
		entries: make(map[string]*entry),
		config:  config,
	}
}

func (b *inProcessBackend) CreateMailbox(caller CallerIdentity, id identity.EntityId) error {
	if err := identity.ValidateEntityId(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := id.Key()
	if existing, ok := b.entries[key]; ok {
		if existing.state == Terminated {
			// TERMINATED is absorbing until GC, so re-creating a
			// terminated mailbox is refused rather than reactivating it.
			return exchangeerr.New(exchangeerr.Forbidden, "mailbox %s is terminated", id)
		}
		if !existing.owner.ID.Equal(caller.ID) {
			return exchangeerr.New(exchangeerr.Forbidden, "mailbox %s already owned by another caller", id)
		}
		return nil // idempotent for the original owner
	}

	b.entries[key] = &entry{
		id:     id,
		owner:  caller,
		state:  Active,
		shared: make(map[string]bool),
		queue:  concurrency.NewBoundedMailbox(b.config.QueueCapacity),
	}
	b.order = append(b.order, key)
	return nil
}

func (b *inProcessBackend) Terminate(caller CallerIdentity, id identity.EntityId) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id.Key()]
	if !ok {
		return nil // no-op on MISSING
	}
	if e.state == Terminated {
		return nil // no-op, idempotent
	}
	if !b.authorized(e, caller) {
		return exchangeerr.New(exchangeerr.Forbidden, "caller lacks permission on mailbox %s", id)
	}
	e.state = Terminated
	e.queue.Close()
	return nil
}

func (b *inProcessBackend) Put(caller CallerIdentity, msg identity.Message) error {
	encoded, err := identity.Serialize(msg)
	if err != nil {
		return err
	}
	if err := identity.ValidateBodySize(encoded, b.config.MaxMessageSize); err != nil {
		return err
	}

	b.mu.RLock()
	e, ok := b.entries[msg.Dest.Key()]
	b.mu.RUnlock()

	if !ok {
		return exchangeerr.New(exchangeerr.BadEntity, "destination %s does not exist", msg.Dest)
	}
	if e.state == Terminated {
		return exchangeerr.New(exchangeerr.MailboxTerminated, "destination %s is terminated", msg.Dest)
	}
	// Sending is not ownership-gated: any caller holding a handle to an
	// existing, non-terminated mailbox may deliver to it. Only receiving
	// from and managing a mailbox require ownership or a shared group.

	if err := e.queue.Send(msg); err != nil {
		if err == concurrency.ErrMailboxClosed {
			return exchangeerr.New(exchangeerr.MailboxTerminated, "destination %s terminated during put", msg.Dest)
		}
		return exchangeerr.New(exchangeerr.MailboxFull, "destination %s mailbox is full, retry after backoff", msg.Dest)
	}
	return nil
}

func (b *inProcessBackend) Get(ctx context.Context, caller CallerIdentity, id identity.EntityId, timeout time.Duration) (identity.Message, error) {
	b.mu.RLock()
	e, ok := b.entries[id.Key()]
	b.mu.RUnlock()

	if !ok {
		return identity.Message{}, exchangeerr.New(exchangeerr.BadEntity, "mailbox %s does not exist", id)
	}
	if !b.authorized(e, caller) {
		return identity.Message{}, exchangeerr.New(exchangeerr.Forbidden, "caller lacks permission on mailbox %s", id)
	}

	getCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		getCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := e.queue.Receive(getCtx)
	if err != nil {
		if err == concurrency.ErrMailboxClosed {
			return identity.Message{}, exchangeerr.New(exchangeerr.MailboxTerminated, "mailbox %s terminated", id)
		}
		if getCtx.Err() == context.DeadlineExceeded {
			return identity.Message{}, exchangeerr.New(exchangeerr.Timeout, "get on mailbox %s timed out", id)
		}
		return identity.Message{}, err
	}
	return msg.(identity.Message), nil
}

func (b *inProcessBackend) Status(caller CallerIdentity, id identity.EntityId) (State, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[id.Key()]
	if !ok {
		return Missing, nil
	}
	return e.state, nil
}

func (b *inProcessBackend) Discover(caller CallerIdentity, name string, includeSubclasses bool) ([]identity.EntityId, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []identity.EntityId
	for _, key := range b.order {
		e := b.entries[key]
		if e.state == Terminated || e.id.Kind != identity.Agent {
			continue
		}
		if includeSubclasses {
			if e.id.HasAncestor(name) {
				out = append(out, e.id)
			}
		} else if e.id.MostDerived() == name {
			out = append(out, e.id)
		}
	}
	return out, nil
}

func (b *inProcessBackend) ShareMailbox(owner CallerIdentity, id identity.EntityId, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id.Key()]
	if !ok {
		return exchangeerr.New(exchangeerr.BadEntity, "mailbox %s does not exist", id)
	}
	if !e.owner.ID.Equal(owner.ID) {
		return exchangeerr.New(exchangeerr.Forbidden, "only the owner may share mailbox %s", id)
	}
	e.shared[group] = true
	return nil
}

func (b *inProcessBackend) authorized(e *entry, caller CallerIdentity) bool {
	if e.owner.ID.Equal(caller.ID) {
		return true
	}
	for _, g := range caller.Groups {
		if e.shared[g] {
			return true
		}
	}
	return false
}
