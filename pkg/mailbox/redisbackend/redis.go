// Package redisbackend implements the mailbox backend contract
// (pkg/mailbox.Backend) against Redis, so mailboxes survive in a shared
// store reachable from multiple exchange processes. Grounded on the
// idiomatic github.com/redis/go-redis/v9 client usage found in the
// retrieved worker-pool example (see DESIGN.md); no example repo in the
// examined corpus carries a Redis client in its own go.mod, so this
// dependency is named here rather than pack-grounded.
package redisbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

// Config configures the Redis-backed mailbox backend.
type Config struct {
	// Namespace prefixes every key this backend touches, matching the
	// wire protocol's `<ns>:...` key layout.
	Namespace string
	// TTL refreshes on every Get against an ACTIVE mailbox; zero disables
	// expiry.
	TTL time.Duration
	// GravestoneTTL bounds how long a TERMINATED mailbox's keys persist
	// before becoming MISSING, per the supplemented gravestone behavior
	// (SPEC_FULL.md §11).
	GravestoneTTL time.Duration
	// MaxMessageSize bounds the encoded size of any single message, in
	// bytes; zero means unbounded.
	MaxMessageSize int
	// BlockingPopTimeout bounds how long a single BLPOP call waits before
	// the backend re-checks mailbox status (an unbounded Get loops this).
	BlockingPopTimeout time.Duration
}

// DefaultConfig returns sane production defaults.
func DefaultConfig(namespace string) Config {
	return Config{
		Namespace:          namespace,
		TTL:                30 * time.Minute,
		GravestoneTTL:      5 * time.Minute,
		MaxMessageSize:     4 << 20,
		BlockingPopTimeout: 2 * time.Second,
	}
}

type backend struct {
	rdb    *redis.Client
	config Config
}

// New wraps an existing *redis.Client as a mailbox.Backend.
func New(rdb *redis.Client, config Config) mailbox.Backend {
	if config.BlockingPopTimeout <= 0 {
		config.BlockingPopTimeout = 2 * time.Second
	}
	return &backend{rdb: rdb, config: config}
}

func (b *backend) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", b.config.Namespace, kind, id)
}

func (b *backend) statusKey(id identity.EntityId) string    { return b.key("status", id.Key()) }
func (b *backend) ownerKey(id identity.EntityId) string      { return b.key("owner", id.Key()) }
func (b *backend) sharedKey(id identity.EntityId) string     { return b.key("shared", id.Key()) }
func (b *backend) ancestryKey(id identity.EntityId) string   { return b.key("ancestry", id.Key()) }
func (b *backend) queueKey(id identity.EntityId) string      { return b.key("queue", id.Key()) }
func (b *backend) addressKey(id identity.EntityId) string    { return b.key("address", id.Key()) }
func (b *backend) behaviorIndexKey(name string) string       { return b.key("by_behavior", name) }

func (b *backend) CreateMailbox(caller mailbox.CallerIdentity, id identity.EntityId) error {
	if err := identity.ValidateEntityId(id); err != nil {
		return err
	}
	ctx := context.Background()

	status, err := b.rdb.Get(ctx, b.statusKey(id)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redisbackend: read status: %w", err)
	}
	if err == nil {
		if mailbox.State(status) == mailbox.Terminated {
			return exchangeerr.New(exchangeerr.Forbidden, "mailbox %s is terminated", id)
		}
		owner, _ := b.rdb.Get(ctx, b.ownerKey(id)).Result()
		if owner != caller.ID.Key() {
			return exchangeerr.New(exchangeerr.Forbidden, "mailbox %s already owned by another caller", id)
		}
		return nil // idempotent
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, b.statusKey(id), string(mailbox.Active), b.config.TTL)
	pipe.Set(ctx, b.ownerKey(id), caller.ID.Key(), b.config.TTL)
	for _, a := range id.Ancestry {
		pipe.RPush(ctx, b.ancestryKey(id), a)
		// A Redis LIST, not a SET: Discover must return registrants in
		// registration order (§4.2), which a SET's unordered SMEMBERS
		// cannot guarantee.
		pipe.RPush(ctx, b.behaviorIndexKey(a), id.Key())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisbackend: create mailbox: %w", err)
	}
	return nil
}

func (b *backend) Terminate(caller mailbox.CallerIdentity, id identity.EntityId) error {
	ctx := context.Background()
	status, err := b.rdb.Get(ctx, b.statusKey(id)).Result()
	if err == redis.Nil {
		return nil // no-op on MISSING
	}
	if err != nil {
		return fmt.Errorf("redisbackend: read status: %w", err)
	}
	if mailbox.State(status) == mailbox.Terminated {
		return nil
	}
	if !b.authorized(ctx, id, caller) {
		return exchangeerr.New(exchangeerr.Forbidden, "caller lacks permission on mailbox %s", id)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, b.statusKey(id), string(mailbox.Terminated), b.config.GravestoneTTL)
	pipe.Expire(ctx, b.queueKey(id), b.config.GravestoneTTL)
	for _, a := range id.Ancestry {
		pipe.LRem(ctx, b.behaviorIndexKey(a), 0, id.Key())
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (b *backend) Put(caller mailbox.CallerIdentity, msg identity.Message) error {
	encoded, err := identity.Serialize(msg)
	if err != nil {
		return err
	}
	if err := identity.ValidateBodySize(encoded, b.config.MaxMessageSize); err != nil {
		return err
	}

	ctx := context.Background()
	status, err := b.rdb.Get(ctx, b.statusKey(msg.Dest)).Result()
	if err == redis.Nil {
		return exchangeerr.New(exchangeerr.BadEntity, "destination %s does not exist", msg.Dest)
	}
	if err != nil {
		return fmt.Errorf("redisbackend: read status: %w", err)
	}
	if mailbox.State(status) == mailbox.Terminated {
		return exchangeerr.New(exchangeerr.MailboxTerminated, "destination %s is terminated", msg.Dest)
	}
	// Sending is not ownership-gated: any caller holding a handle to an
	// existing, non-terminated mailbox may deliver to it. Only receiving
	// from and managing a mailbox require ownership or a shared group.

	if err := b.rdb.RPush(ctx, b.queueKey(msg.Dest), encoded).Err(); err != nil {
		return fmt.Errorf("redisbackend: enqueue: %w", err)
	}
	return nil
}

func (b *backend) Get(ctx context.Context, caller mailbox.CallerIdentity, id identity.EntityId, timeout time.Duration) (identity.Message, error) {
	if !b.authorized(ctx, id, caller) {
		return identity.Message{}, exchangeerr.New(exchangeerr.Forbidden, "caller lacks permission on mailbox %s", id)
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		status, err := b.rdb.Get(ctx, b.statusKey(id)).Result()
		if err == redis.Nil {
			return identity.Message{}, exchangeerr.New(exchangeerr.BadEntity, "mailbox %s does not exist", id)
		}
		if err != nil {
			return identity.Message{}, fmt.Errorf("redisbackend: read status: %w", err)
		}
		if b.config.TTL > 0 && mailbox.State(status) == mailbox.Active {
			b.rdb.Expire(ctx, b.statusKey(id), b.config.TTL)
			b.rdb.Expire(ctx, b.ownerKey(id), b.config.TTL)
		}

		wait := b.config.BlockingPopTimeout
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return identity.Message{}, exchangeerr.New(exchangeerr.Timeout, "get on mailbox %s timed out", id)
			}
			if remaining < wait {
				wait = remaining
			}
		}

		result, err := b.rdb.BLPop(ctx, wait, b.queueKey(id)).Result()
		if err == redis.Nil {
			if mailbox.State(status) == mailbox.Terminated {
				return identity.Message{}, exchangeerr.New(exchangeerr.MailboxTerminated, "mailbox %s terminated", id)
			}
			if ctx.Err() != nil {
				return identity.Message{}, ctx.Err()
			}
			continue // no message yet within this poll window, retry
		}
		if err != nil {
			return identity.Message{}, fmt.Errorf("redisbackend: blpop: %w", err)
		}

		// result[0] is the key name, result[1] is the payload.
		return identity.Deserialize([]byte(result[1]))
	}
}

func (b *backend) Status(caller mailbox.CallerIdentity, id identity.EntityId) (mailbox.State, error) {
	ctx := context.Background()
	status, err := b.rdb.Get(ctx, b.statusKey(id)).Result()
	if err == redis.Nil {
		return mailbox.Missing, nil
	}
	if err != nil {
		return "", fmt.Errorf("redisbackend: read status: %w", err)
	}
	return mailbox.State(status), nil
}

func (b *backend) Discover(caller mailbox.CallerIdentity, name string, includeSubclasses bool) ([]identity.EntityId, error) {
	ctx := context.Background()
	// LRange over the registration-ordered LIST, not SMembers over a SET:
	// Discover must return results in registration order (§4.2), matching
	// the in-process backend's ordered `order []string` slice.
	keys, err := b.rdb.LRange(ctx, b.behaviorIndexKey(name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbackend: discover: %w", err)
	}

	var out []identity.EntityId
	for _, key := range keys {
		id, ok := identity.ParseKey(key)
		if !ok {
			continue
		}
		status, err := b.rdb.Get(ctx, b.statusKey(id)).Result()
		if err != nil || mailbox.State(status) == mailbox.Terminated {
			continue
		}
		ancestry, err := b.rdb.LRange(ctx, b.ancestryKey(id), 0, -1).Result()
		if err != nil {
			continue
		}
		id.Ancestry = ancestry
		if !includeSubclasses && id.MostDerived() != name {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (b *backend) ShareMailbox(owner mailbox.CallerIdentity, id identity.EntityId, group string) error {
	ctx := context.Background()
	currentOwner, err := b.rdb.Get(ctx, b.ownerKey(id)).Result()
	if err == redis.Nil {
		return exchangeerr.New(exchangeerr.BadEntity, "mailbox %s does not exist", id)
	}
	if err != nil {
		return fmt.Errorf("redisbackend: read owner: %w", err)
	}
	if currentOwner != owner.ID.Key() {
		return exchangeerr.New(exchangeerr.Forbidden, "only the owner may share mailbox %s", id)
	}
	return b.rdb.SAdd(ctx, b.sharedKey(id), group).Err()
}

func (b *backend) authorized(ctx context.Context, id identity.EntityId, caller mailbox.CallerIdentity) bool {
	owner, err := b.rdb.Get(ctx, b.ownerKey(id)).Result()
	if err == nil && owner == caller.ID.Key() {
		return true
	}
	for _, g := range caller.Groups {
		if ok, _ := b.rdb.SIsMember(ctx, b.sharedKey(id), g).Result(); ok {
			return true
		}
	}
	return false
}

// AddressStore is implemented by backends that can publish and look up a
// mailbox's advertised direct-dial address, for the hybrid transport's
// direct-delivery cache. Backends created with New satisfy this interface.
type AddressStore interface {
	PublishAddress(id identity.EntityId, addr string) error
	LookupAddress(id identity.EntityId) (string, bool, error)
}

// PublishAddress records id's advertised direct-dial address for the hybrid
// transport (`<ns>:address:<id>`).
func (b *backend) PublishAddress(id identity.EntityId, addr string) error {
	ctx := context.Background()
	return b.rdb.Set(ctx, b.addressKey(id), addr, b.config.TTL).Err()
}

// LookupAddress reads id's advertised direct-dial address, if any.
func (b *backend) LookupAddress(id identity.EntityId) (string, bool, error) {
	ctx := context.Background()
	addr, err := b.rdb.Get(ctx, b.addressKey(id)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return addr, true, nil
}
