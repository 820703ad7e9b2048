package handle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
)

// ActionInvoker is implemented by the agent runtime (pkg/agent.Agent) to let
// a ProxyHandle call straight into a behavior instance with no exchange
// involvement, for use in tests.
type ActionInvoker interface {
	InvokeAction(ctx context.Context, name string, pargs []json.RawMessage, kargs map[string]json.RawMessage) (json.RawMessage, error)
	Ping(ctx context.Context) error
	RequestShutdown(ctx context.Context, terminate *bool) error
	Terminated() bool
	Self() identity.EntityId
}

// ProxyHandle calls straight into an in-process behavior instance: no
// message framing, no exchange client, no network. Actions that reach a
// terminated agent raise AgentTerminated rather than ever blocking, since
// there is no mailbox to drain.
type ProxyHandle struct {
	invoker ActionInvoker
}

// NewProxy creates a ProxyHandle over invoker.
func NewProxy(invoker ActionInvoker) *ProxyHandle {
	return &ProxyHandle{invoker: invoker}
}

func (h *ProxyHandle) Target() identity.EntityId { return h.invoker.Self() }

func (h *ProxyHandle) Action(ctx context.Context, name string, pargs []json.RawMessage, kargs map[string]json.RawMessage) (json.RawMessage, error) {
	if h.invoker.Terminated() {
		return nil, exchangeerr.New(exchangeerr.AgentTerminated, "agent %s has already shut down", h.invoker.Self())
	}
	return h.invoker.InvokeAction(ctx, name, pargs, kargs)
}

func (h *ProxyHandle) Ping(ctx context.Context) (time.Duration, error) {
	if h.invoker.Terminated() {
		return 0, exchangeerr.New(exchangeerr.AgentTerminated, "agent %s has already shut down", h.invoker.Self())
	}
	start := time.Now()
	if err := h.invoker.Ping(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (h *ProxyHandle) Shutdown(ctx context.Context, terminate *bool) error {
	if h.invoker.Terminated() {
		return exchangeerr.New(exchangeerr.AgentTerminated, "agent %s has already shut down", h.invoker.Self())
	}
	return h.invoker.RequestShutdown(ctx, terminate)
}

func (h *ProxyHandle) Close(ctx context.Context, waitFutures bool) error {
	return nil
}
