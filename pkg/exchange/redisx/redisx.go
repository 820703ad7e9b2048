// Package redisx implements the Redis exchange transport: a direct client
// to a Redis-backed mailbox.Backend, with no intermediate HTTP hop. Grounded
// on pkg/core/eventbus_cluster_nats.go's subject/address-mapping and
// executor-bounded dispatch pattern, adapted from NATS subjects to Redis
// keys (see DESIGN.md).
package redisx

import (
	"context"
	"time"

	"github.com/fluxorio/exchange/pkg/exchange"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

// transport adapts a mailbox.Backend (always redisbackend in practice, but
// any Backend works) to the Transport contract with no network framing of
// its own: the Redis protocol round trip is the "network hop."
type transport struct {
	backend mailbox.Backend
}

// NewTransport wraps backend (typically a redisbackend.New result) as an
// exchange.Transport.
func NewTransport(backend mailbox.Backend) exchange.Transport {
	return &transport{backend: backend}
}

func (t *transport) CreateMailbox(caller mailbox.CallerIdentity, id identity.EntityId) error {
	return t.backend.CreateMailbox(caller, id)
}

func (t *transport) Terminate(caller mailbox.CallerIdentity, id identity.EntityId) error {
	return t.backend.Terminate(caller, id)
}

func (t *transport) Send(caller mailbox.CallerIdentity, msg identity.Message) error {
	return t.backend.Put(caller, msg)
}

func (t *transport) Recv(ctx context.Context, caller mailbox.CallerIdentity, id identity.EntityId, timeout time.Duration) (identity.Message, error) {
	return t.backend.Get(ctx, caller, id, timeout)
}

func (t *transport) Status(caller mailbox.CallerIdentity, id identity.EntityId) (mailbox.State, error) {
	return t.backend.Status(caller, id)
}

func (t *transport) Discover(caller mailbox.CallerIdentity, name string, includeSubclasses bool) ([]identity.EntityId, error) {
	return t.backend.Discover(caller, name, includeSubclasses)
}

func (t *transport) Close() error { return nil }

// factory implements exchange.Factory over a shared Redis-backed transport.
type factory struct {
	transport exchange.Transport
	logger    logging.Logger
}

// NewFactory builds an exchange.Factory backed directly by a Redis mailbox
// backend (no HTTP server in between).
func NewFactory(backend mailbox.Backend, logger logging.Logger) exchange.Factory {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &factory{transport: NewTransport(backend), logger: logger}
}

func (f *factory) RegisterUser(name string) (identity.EntityId, error) {
	id := identity.NewUserId(name)
	if err := f.transport.CreateMailbox(mailbox.CallerIdentity{ID: id}, id); err != nil {
		return identity.EntityId{}, err
	}
	return id, nil
}

func (f *factory) RegisterAgent(name string, ancestry []string) (identity.EntityId, error) {
	id := identity.NewAgentId(name, ancestry)
	if err := f.transport.CreateMailbox(mailbox.CallerIdentity{ID: id}, id); err != nil {
		return identity.EntityId{}, err
	}
	return id, nil
}

func (f *factory) CreateUserClient(id identity.EntityId) (*exchange.Client, error) {
	return exchange.NewClient(f.transport, id, nil, false, f.logger), nil
}

func (f *factory) CreateAgentClient(id identity.EntityId, handler exchange.RequestHandler) (*exchange.Client, error) {
	return exchange.NewClient(f.transport, id, handler, true, f.logger), nil
}

func (f *factory) Transport() exchange.Transport { return f.transport }
