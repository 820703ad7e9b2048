package exchange

import (
	"context"
	"time"

	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

// localTransport adapts a mailbox.Backend to the Transport contract with no
// network hop: the factory and every client it creates share one backend
// instance, matching the spec's "shared in-process backend held by a
// factory; sessions are lightweight and not serializable."
type localTransport struct {
	backend mailbox.Backend
}

// NewLocalTransport wraps backend as a Transport with no serialization step.
func NewLocalTransport(backend mailbox.Backend) Transport {
	return &localTransport{backend: backend}
}

func (t *localTransport) CreateMailbox(caller mailbox.CallerIdentity, id identity.EntityId) error {
	return t.backend.CreateMailbox(caller, id)
}

func (t *localTransport) Terminate(caller mailbox.CallerIdentity, id identity.EntityId) error {
	return t.backend.Terminate(caller, id)
}

func (t *localTransport) Send(caller mailbox.CallerIdentity, msg identity.Message) error {
	return t.backend.Put(caller, msg)
}

func (t *localTransport) Recv(ctx context.Context, caller mailbox.CallerIdentity, id identity.EntityId, timeout time.Duration) (identity.Message, error) {
	return t.backend.Get(ctx, caller, id, timeout)
}

func (t *localTransport) Status(caller mailbox.CallerIdentity, id identity.EntityId) (mailbox.State, error) {
	return t.backend.Status(caller, id)
}

func (t *localTransport) Discover(caller mailbox.CallerIdentity, name string, includeSubclasses bool) ([]identity.EntityId, error) {
	return t.backend.Discover(caller, name, includeSubclasses)
}

func (t *localTransport) Close() error { return nil }

// localFactory implements Factory over a shared localTransport.
type localFactory struct {
	transport Transport
	logger    logging.Logger
}

// NewLocalFactory creates a Factory backed by the given in-process mailbox
// backend. Every client produced by this factory shares the same backend,
// so local handles can reach local agents without any serialization.
func NewLocalFactory(backend mailbox.Backend, logger logging.Logger) Factory {
	return &localFactory{transport: NewLocalTransport(backend), logger: logger}
}

func (f *localFactory) RegisterUser(name string) (identity.EntityId, error) {
	id := identity.NewUserId(name)
	if err := f.transport.CreateMailbox(mailbox.CallerIdentity{ID: id}, id); err != nil {
		return identity.EntityId{}, err
	}
	return id, nil
}

func (f *localFactory) RegisterAgent(name string, ancestry []string) (identity.EntityId, error) {
	id := identity.NewAgentId(name, ancestry)
	if err := f.transport.CreateMailbox(mailbox.CallerIdentity{ID: id}, id); err != nil {
		return identity.EntityId{}, err
	}
	return id, nil
}

func (f *localFactory) CreateUserClient(id identity.EntityId) (*Client, error) {
	return NewClient(f.transport, id, nil, false, f.logger), nil
}

func (f *localFactory) CreateAgentClient(id identity.EntityId, handler RequestHandler) (*Client, error) {
	return NewClient(f.transport, id, handler, true, f.logger), nil
}

func (f *localFactory) Transport() Transport { return f.transport }
