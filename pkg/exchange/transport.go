// Package exchange implements the exchange abstraction: a uniform transport
// contract over a mailbox backend (local, Redis, HTTP, or hybrid
// direct+broker), and the per-entity ExchangeClient built on top of it.
package exchange

import (
	"context"
	"time"

	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

// Transport is the contract all four concrete transports (local, HTTP,
// Redis, hybrid) share: register/terminate/send/recv/status/discover/close
// against whatever backend underlies them. It is intentionally
// shaped like mailbox.Backend, since the local transport is a thin wrapper
// over one and the others project the same operations across a network
// boundary.
type Transport interface {
	CreateMailbox(caller mailbox.CallerIdentity, id identity.EntityId) error
	Terminate(caller mailbox.CallerIdentity, id identity.EntityId) error
	Send(caller mailbox.CallerIdentity, msg identity.Message) error
	Recv(ctx context.Context, caller mailbox.CallerIdentity, id identity.EntityId, timeout time.Duration) (identity.Message, error)
	Status(caller mailbox.CallerIdentity, id identity.EntityId) (mailbox.State, error)
	Discover(caller mailbox.CallerIdentity, name string, includeSubclasses bool) ([]identity.EntityId, error)
	Close() error
}

// Factory creates sessions (Clients) on one transport. Sessions carry live
// connections and are never serialized. The Factory implementations in this
// module hold a live Transport too and have no serialized form; for HTTP,
// the JSON-serializable configuration is httpx.ClientFactory, from which
// httpx.NewFactory builds a Factory in another process.
type Factory interface {
	// RegisterUser allocates a new UserId and (for transports that need it)
	// a mailbox for it.
	RegisterUser(name string) (identity.EntityId, error)

	// RegisterAgent allocates a new AgentId and its mailbox, recording the
	// declared behavior ancestry for discovery.
	RegisterAgent(name string, ancestry []string) (identity.EntityId, error)

	// CreateUserClient opens a Client bound to id (typically one returned
	// by RegisterUser), with no installed request handler.
	CreateUserClient(id identity.EntityId) (*Client, error)

	// CreateAgentClient opens a Client bound to id (typically one returned
	// by RegisterAgent), installing handler to answer incoming requests.
	CreateAgentClient(id identity.EntityId, handler RequestHandler) (*Client, error)

	// Transport exposes the underlying Transport for components (like the
	// hybrid hand-off) that need it directly.
	Transport() Transport
}
