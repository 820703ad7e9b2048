package handle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxorio/exchange/pkg/exchange"
	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/tracing"
	"github.com/google/uuid"
)

type pendingSlot struct {
	ch chan identity.Message
}

// RemoteHandle is the networked Handle: it correlates replies by message
// tag, supports cancellation via CancelRequest, and may be pinned to a
// specific exchange client or look one up ambiently from the calling
// context on every call.
type RemoteHandle struct {
	id            string // the handle's label, carried on every request/response
	target        identity.EntityId
	pinned        *exchange.Client
	ignoreContext bool

	mu      sync.Mutex
	pending map[string]*pendingSlot
	closed  bool

	registeredWith *exchange.Client
}

// NewPinned creates a RemoteHandle bound to a fixed exchange client,
// addressing target. ignoreContext, when true, refuses ambient context
// lookup entirely and forbids this handle from being carried across a
// serialization boundary (per §4.5).
func NewPinned(client *exchange.Client, target identity.EntityId, ignoreContext bool) *RemoteHandle {
	h := &RemoteHandle{
		id:            uuid.NewString(),
		target:        target,
		pinned:        client,
		ignoreContext: ignoreContext,
		pending:       make(map[string]*pendingSlot),
	}
	return h
}

// NewAmbient creates a RemoteHandle that resolves its exchange client from
// the calling context on every call, rather than pinning one at
// construction time.
func NewAmbient(target identity.EntityId) *RemoteHandle {
	return &RemoteHandle{
		id:      uuid.NewString(),
		target:  target,
		pending: make(map[string]*pendingSlot),
	}
}

func (h *RemoteHandle) Target() identity.EntityId { return h.target }

func (h *RemoteHandle) resolveClient(ctx context.Context) (*exchange.Client, error) {
	if h.pinned != nil {
		return h.pinned, nil
	}
	if h.ignoreContext {
		return nil, exchangeerr.New(exchangeerr.HandleNotBound, "handle %s was constructed with ignore_context and has no pinned exchange", h.id)
	}
	client, ok := ClientFromContext(ctx)
	if !ok {
		return nil, exchangeerr.New(exchangeerr.ExchangeClientNotFound, "no ambient exchange client in context for handle %s", h.id)
	}
	return client, nil
}

func (h *RemoteHandle) ensureRegistered(client *exchange.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.registeredWith == client {
		return
	}
	client.RegisterHandle(h.id, h)
	h.registeredWith = client
}

func (h *RemoteHandle) register(tag string) chan identity.Message {
	ch := make(chan identity.Message, 1)
	h.mu.Lock()
	h.pending[tag] = &pendingSlot{ch: ch}
	h.mu.Unlock()
	return ch
}

func (h *RemoteHandle) unregister(tag string) {
	h.mu.Lock()
	delete(h.pending, tag)
	h.mu.Unlock()
}

// DeliverResponse implements exchange.ResponseSink.
func (h *RemoteHandle) DeliverResponse(msg identity.Message) {
	h.mu.Lock()
	slot, ok := h.pending[msg.Tag]
	if ok {
		delete(h.pending, msg.Tag)
	}
	h.mu.Unlock()
	if !ok {
		return // no pending slot, or already cancelled: ignore
	}
	select {
	case slot.ch <- msg:
	default:
	}
}

// ClientClosed implements exchange.ResponseSink.
func (h *RemoteHandle) ClientClosed() {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]*pendingSlot)
	h.mu.Unlock()
	for _, slot := range pending {
		select {
		case slot.ch <- identity.Message{Body: identity.ErrorBody{ClassName: string(exchangeerr.HandleClosed), Message: "exchange client closed"}}:
		default:
		}
	}
}

func (h *RemoteHandle) Action(ctx context.Context, name string, pargs []json.RawMessage, kargs map[string]json.RawMessage) (json.RawMessage, error) {
	client, err := h.resolveClient(ctx)
	if err != nil {
		return nil, err
	}
	h.ensureRegistered(client)

	req := identity.MakeRequest(client.Self(), h.target, h.id, identity.ActionRequest{Name: name, PArgs: pargs, KArgs: kargs})

	ctx, span := tracing.StartRoundTrip(ctx, "exchange.action", req.Tag,
		attribute.String("exchange.action_name", name),
		attribute.String("exchange.target", h.target.String()))
	defer span.End()

	ch := h.register(req.Tag)

	if err := client.Send(req); err != nil {
		h.unregister(req.Tag)
		return nil, err
	}

	select {
	case resp := <-ch:
		return decodeActionResponse(resp.Body)
	case <-ctx.Done():
		h.unregister(req.Tag)
		_ = client.Send(identity.MakeRequest(client.Self(), h.target, h.id, identity.CancelRequest{TargetTag: req.Tag}))
		return nil, ctx.Err()
	}
}

func decodeActionResponse(body identity.Body) (json.RawMessage, error) {
	switch v := body.(type) {
	case identity.ActionResult:
		return v.Value, nil
	case identity.ErrorBody:
		return nil, identity.DecodeException(v)
	case identity.SuccessBody:
		return nil, nil
	default:
		return nil, fmt.Errorf("handle: unexpected response body %T for action", body)
	}
}

func (h *RemoteHandle) Ping(ctx context.Context) (time.Duration, error) {
	client, err := h.resolveClient(ctx)
	if err != nil {
		return 0, err
	}
	h.ensureRegistered(client)

	sent := time.Now()
	req := identity.MakeRequest(client.Self(), h.target, h.id, identity.PingRequest{})

	ctx, span := tracing.StartRoundTrip(ctx, "exchange.ping", req.Tag,
		attribute.String("exchange.target", h.target.String()))
	defer span.End()

	ch := h.register(req.Tag)

	if err := client.Send(req); err != nil {
		h.unregister(req.Tag)
		return 0, err
	}

	select {
	case resp := <-ch:
		if eb, ok := resp.Body.(identity.ErrorBody); ok {
			return 0, identity.DecodeException(eb)
		}
		return time.Since(sent), nil
	case <-ctx.Done():
		h.unregister(req.Tag)
		return 0, exchangeerr.New(exchangeerr.Timeout, "ping to %s timed out", h.target)
	}
}

func (h *RemoteHandle) Shutdown(ctx context.Context, terminate *bool) error {
	client, err := h.resolveClient(ctx)
	if err != nil {
		return err
	}
	h.ensureRegistered(client)

	req := identity.MakeRequest(client.Self(), h.target, h.id, identity.ShutdownRequest{Terminate: terminate})
	err = client.Send(req)
	if exchangeerr.Is(err, exchangeerr.MailboxTerminated) {
		return nil // shutdown is idempotent and ignores MailboxTerminated
	}
	return err
}

func (h *RemoteHandle) Close(ctx context.Context, waitFutures bool) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	client := h.registeredWith
	pending := h.pending
	h.pending = make(map[string]*pendingSlot)
	h.mu.Unlock()

	if client != nil {
		client.UnregisterHandle(h.id)
	}

	if waitFutures {
		for _, slot := range pending {
			select {
			case <-slot.ch:
			case <-ctx.Done():
			}
		}
		return nil
	}

	// waitFutures is false: cancel rather than await. Any goroutine blocked
	// in Action's select on one of these slots would otherwise hang forever,
	// since the tag is already gone from h.pending and a late DeliverResponse
	// can no longer find it.
	for _, slot := range pending {
		select {
		case slot.ch <- identity.Message{Body: identity.ErrorBody{ClassName: string(exchangeerr.HandleClosed), Message: "handle closed before action completed"}}:
		default:
		}
	}
	return nil
}
