// Package handle implements the client-side proxy objects used to invoke an
// agent's actions by message: ProxyHandle for in-process testing and
// RemoteHandle for the networked case.
package handle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fluxorio/exchange/pkg/identity"
)

// Handle is the common surface of ProxyHandle and RemoteHandle. Go has no
// ad-hoc attribute interception, so the "handle.foo(...)" sugar from the
// original design becomes an explicit Action call (per the design note on
// handle attribute sugar); callers wanting a typed surface generate one from
// a behavior's action set.
type Handle interface {
	// Action invokes the named action with positional and keyword
	// arguments (each pre-encoded to JSON) and returns the raw JSON result.
	Action(ctx context.Context, name string, pargs []json.RawMessage, kargs map[string]json.RawMessage) (json.RawMessage, error)
	// Ping returns the round-trip wall-clock duration to the target.
	Ping(ctx context.Context) (time.Duration, error)
	// Shutdown sends a fire-and-forget shutdown request; terminate, when
	// non-nil, overrides the target's configured termination policy.
	Shutdown(ctx context.Context, terminate *bool) error
	// Close unregisters the handle. When waitFutures is true, outstanding
	// actions are awaited (up to the caller's own ctx) before returning;
	// otherwise they are cancelled.
	Close(ctx context.Context, waitFutures bool) error
	// Target returns the EntityId this handle addresses.
	Target() identity.EntityId
}

