package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

// RequestHandler answers an incoming request message on behalf of an agent
// client. It MUST eventually produce a response by calling client.Send with
// a message built from identity.MakeResponse(msg, ...); it is invoked in its
// own goroutine so a slow handler does not stall the listener loop (the spec
// requires the listener to "yield after every dispatch").
type RequestHandler func(client *Client, msg identity.Message)

// ResponseSink receives responses dispatched by a Client's listener loop for
// messages carrying a given label. pkg/handle's Handle implementations
// satisfy this to avoid an import cycle between pkg/exchange and pkg/handle.
type ResponseSink interface {
	// DeliverResponse hands a correlated response to the sink. Called from
	// the Client's listener goroutine; implementations must not block.
	DeliverResponse(msg identity.Message)
	// ClientClosed notifies the sink that its owning Client is closing, so
	// it can fail any outstanding pending slots.
	ClientClosed()
}

// Client is the ExchangeClient described in the component design: one per
// live entity attached to a transport, running a background listener that
// dispatches responses to registered handles and requests to an installed
// handler.
type Client struct {
	transport Transport
	self      identity.EntityId
	caller    mailbox.CallerIdentity
	handler   RequestHandler
	logger    logging.Logger

	// ownsMailbox is true for agent clients: Close() terminates the
	// mailbox, matching the agent runtime's terminate-on-shutdown policy.
	ownsMailbox bool

	mu      sync.Mutex
	handles map[string]ResponseSink
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient constructs and starts a Client listening on self's mailbox.
// handler may be nil for user clients that never answer requests.
func NewClient(transport Transport, self identity.EntityId, handler RequestHandler, ownsMailbox bool, logger logging.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:   transport,
		self:        self,
		caller:      mailbox.CallerIdentity{ID: self},
		handler:     handler,
		logger:      logger.WithFields(map[string]interface{}{"entity_id": self.String()}),
		ownsMailbox: ownsMailbox,
		handles:     make(map[string]ResponseSink),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go c.listen(ctx)
	return c
}

// Self returns the EntityId this client listens on.
func (c *Client) Self() identity.EntityId { return c.self }

// Transport exposes the underlying transport, e.g. so a handle can reach
// Discover/Status without duplicating the Client's plumbing.
func (c *Client) Transport() Transport { return c.transport }

func (c *Client) listen(ctx context.Context) {
	defer close(c.done)
	for {
		msg, err := c.transport.Recv(ctx, c.caller, c.self, 0)
		if err != nil {
			if ctx.Err() != nil {
				return // closed locally
			}
			if exchangeerr.Is(err, exchangeerr.MailboxTerminated) {
				c.logger.Infof("mailbox terminated, stopping listener")
				return
			}
			c.logger.Warnf("recv error, retrying: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg identity.Message) {
	if msg.IsRequest() {
		if c.handler != nil {
			go c.handler(c, msg)
			return
		}
		resp := identity.MakeResponse(msg, identity.EncodeException(
			exchangeerr.NewAction("TypeError", fmt.Sprintf("client %s cannot fulfill requests", c.self))))
		if err := c.Send(resp); err != nil {
			c.logger.Warnf("failed to answer unsolicited request from %s: %v", msg.Src, err)
		}
		return
	}

	c.mu.Lock()
	sink, ok := c.handles[msg.Label]
	c.mu.Unlock()
	if !ok {
		c.logger.Debugf("dropping response for unregistered label %s", msg.Label)
		return
	}
	sink.DeliverResponse(msg)
}

// Send transmits msg through the underlying transport.
func (c *Client) Send(msg identity.Message) error {
	return c.transport.Send(c.caller, msg)
}

// RegisterHandle associates label (a handle's identifier) with sink so
// future responses carrying that label are routed to it.
func (c *Client) RegisterHandle(label string, sink ResponseSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[label] = sink
}

// UnregisterHandle removes a previously registered handle.
func (c *Client) UnregisterHandle(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, label)
}

// Status queries id's mailbox state through the transport.
func (c *Client) Status(id identity.EntityId) (mailbox.State, error) {
	return c.transport.Status(c.caller, id)
}

// Terminate asks the transport to terminate id's mailbox.
func (c *Client) Terminate(id identity.EntityId) error {
	return c.transport.Terminate(c.caller, id)
}

// Discover looks up live AgentIds matching name through the transport.
func (c *Client) Discover(name string, includeSubclasses bool) ([]identity.EntityId, error) {
	return c.transport.Discover(c.caller, name, includeSubclasses)
}

// Close cancels the listener, fails any handles still registered with this
// client, and terminates the client's own mailbox if it owns one.
func (c *Client) Close() error {
	if !c.CloseListener() {
		return nil
	}
	if c.ownsMailbox {
		return c.Terminate(c.self)
	}
	return nil
}

// CloseListener cancels the listener and fails any handles still registered
// with this client, but never terminates the mailbox regardless of
// ownsMailbox. The agent runtime uses this so it can decide whether to
// terminate its mailbox itself, based on its configured termination policy,
// after the listener has already stopped. Returns false if the client was
// already closed.
func (c *Client) CloseListener() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	handles := make([]ResponseSink, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.handles = nil
	c.mu.Unlock()

	c.cancel()
	<-c.done

	for _, h := range handles {
		h.ClientClosed()
	}
	return true
}
