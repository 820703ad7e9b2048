// Package hybrid implements the hybrid direct+broker exchange transport: it
// attempts a direct TCP connection to a destination's advertised listening
// address (cached locally, published in Redis at registration); on send
// failure it invalidates the cache and falls back to Redis as indirect
// delivery. Each locally hosted mailbox also runs a background task moving
// messages out of its Redis indirection queue into an in-process channel
// consumed by Recv. Grounded on pkg/tcp/tcp_server.go's bounded accept loop
// (here simplified to one goroutine per connection, since the hybrid
// transport's connection volume is far below a public-facing TCP server's)
// and pkg/core/eventbus_ws.go's bridging of a socket transport into dispatch
// (adapted from websocket framing to raw length-prefixed TCP framing).
package hybrid

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fluxorio/exchange/pkg/exchange"
	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
	"github.com/fluxorio/exchange/pkg/mailbox/redisbackend"
)

// AddressStore is satisfied by redisbackend's backend: publish/lookup a
// mailbox's advertised direct-dial address.
type AddressStore = redisbackend.AddressStore

// Config configures the hybrid transport.
type Config struct {
	// ListenAddr is the local address to bind the direct-delivery TCP
	// listener to (e.g. ":7800"); empty picks an ephemeral port.
	ListenAddr string
	// AdvertiseHost overrides the host published to Redis for direct
	// dial-back (needed behind NAT/containers where the bind address isn't
	// reachable from other hosts); empty uses the listener's bound host.
	AdvertiseHost string
	// DialTimeout bounds a single direct-delivery TCP dial attempt.
	DialTimeout time.Duration
	// DrainPollInterval bounds how long the indirection-queue drainer
	// blocks on a single Redis BLPOP before re-checking for shutdown.
	DrainPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.DrainPollInterval <= 0 {
		c.DrainPollInterval = 2 * time.Second
	}
	return c
}

type inbox struct {
	ch     chan identity.Message
	cancel context.CancelFunc
}

// transport is the hybrid exchange.Transport implementation.
type transport struct {
	backend   mailbox.Backend
	addrStore AddressStore
	config    Config
	logger    logging.Logger

	listener     net.Listener
	advertiseURL string

	cacheMu sync.RWMutex
	cache   map[string]string // entity Key() -> advertised address

	inboxMu sync.Mutex
	inboxes map[string]*inbox // entity Key() -> local delivery channel
}

// NewTransport constructs a hybrid transport over a Redis-backed mailbox
// backend that also implements AddressStore (redisbackend.New always does).
// It immediately binds the direct-delivery TCP listener and starts
// accepting connections.
func NewTransport(backend mailbox.Backend, addrStore AddressStore, config Config, logger logging.Logger) (exchange.Transport, error) {
	config = config.withDefaults()
	if logger == nil {
		logger = logging.NewDefault()
	}
	ln, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("hybrid: listen: %w", err)
	}
	t := &transport{
		backend:   backend,
		addrStore: addrStore,
		config:    config,
		logger:    logger.WithFields(map[string]interface{}{"component": "hybrid-transport"}),
		listener:  ln,
		cache:     make(map[string]string),
		inboxes:   make(map[string]*inbox),
	}
	t.advertiseURL = t.resolveAdvertiseAddr()
	go t.acceptLoop()
	return t, nil
}

func (t *transport) resolveAdvertiseAddr() string {
	host, port, err := net.SplitHostPort(t.listener.Addr().String())
	if err != nil {
		return t.listener.Addr().String()
	}
	if t.config.AdvertiseHost != "" {
		host = t.config.AdvertiseHost
	}
	return net.JoinHostPort(host, port)
}

func (t *transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go t.serveConn(conn)
	}
}

// serveConn reads one length-prefixed message frame and routes it to the
// local inbox for its destination, if one is registered here; otherwise the
// frame is dropped (the sender will see this as a failed direct attempt only
// if the write itself fails — an unexpected destination is a misrouted
// frame, not a transport error).
func (t *transport) serveConn(conn net.Conn) {
	defer conn.Close()
	msg, err := readFrame(conn)
	if err != nil {
		t.logger.Debugf("hybrid: failed to read direct-delivery frame: %v", err)
		return
	}
	t.inboxMu.Lock()
	ib, ok := t.inboxes[msg.Dest.Key()]
	t.inboxMu.Unlock()
	if !ok {
		t.logger.Debugf("hybrid: direct frame for unknown local mailbox %s", msg.Dest)
		return
	}
	select {
	case ib.ch <- msg:
	default:
		t.logger.Warnf("hybrid: local inbox for %s full, dropping direct frame", msg.Dest)
	}
}

func readFrame(conn net.Conn) (identity.Message, error) {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return identity.Message{}, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return identity.Message{}, err
	}
	return identity.Deserialize(buf)
}

func writeFrame(conn net.Conn, data []byte) error {
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

// CreateMailbox registers id with the Redis backend, publishes this
// process's direct-dial address for it, and starts the inbox plus the
// indirection-queue drainer that feeds it.
func (t *transport) CreateMailbox(caller mailbox.CallerIdentity, id identity.EntityId) error {
	if err := t.backend.CreateMailbox(caller, id); err != nil {
		return err
	}
	if err := t.addrStore.PublishAddress(id, t.advertiseURL); err != nil {
		t.logger.Warnf("hybrid: failed to publish address for %s: %v", id, err)
	}
	t.startInbox(caller, id)
	return nil
}

func (t *transport) startInbox(caller mailbox.CallerIdentity, id identity.EntityId) {
	key := id.Key()
	t.inboxMu.Lock()
	if _, exists := t.inboxes[key]; exists {
		t.inboxMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ib := &inbox{ch: make(chan identity.Message, 64), cancel: cancel}
	t.inboxes[key] = ib
	t.inboxMu.Unlock()

	go t.drainIndirectQueue(ctx, caller, id, ib)
}

// drainIndirectQueue moves messages delivered indirectly (via the Redis
// queue, when the sender couldn't reach this mailbox directly) into the
// in-process inbox consumed by Recv.
func (t *transport) drainIndirectQueue(ctx context.Context, caller mailbox.CallerIdentity, id identity.EntityId, ib *inbox) {
	for {
		msg, err := t.backend.Get(ctx, caller, id, t.config.DrainPollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if exchangeerr.Is(err, exchangeerr.Timeout) {
				continue // no indirect message this poll window, retry
			}
			if exchangeerr.Is(err, exchangeerr.MailboxTerminated) {
				close(ib.ch)
				return
			}
			t.logger.Warnf("hybrid: indirect drain error for %s: %v", id, err)
			continue
		}
		select {
		case ib.ch <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (t *transport) stopInbox(id identity.EntityId) {
	key := id.Key()
	t.inboxMu.Lock()
	ib, ok := t.inboxes[key]
	delete(t.inboxes, key)
	t.inboxMu.Unlock()
	if ok {
		ib.cancel()
	}
}

func (t *transport) Terminate(caller mailbox.CallerIdentity, id identity.EntityId) error {
	if err := t.backend.Terminate(caller, id); err != nil {
		return err
	}
	t.stopInbox(id)
	return nil
}

// Send attempts direct TCP delivery using the cached (or freshly looked up)
// advertised address; on failure it invalidates the cache, re-reads the
// address from Redis, and retries once more before falling back to
// enqueueing via the Redis-backed indirect queue.
func (t *transport) Send(caller mailbox.CallerIdentity, msg identity.Message) error {
	encoded, err := identity.Serialize(msg)
	if err != nil {
		return err
	}

	if addr, ok := t.cachedAddr(msg.Dest); ok {
		if t.tryDirect(addr, encoded) {
			return nil
		}
		t.invalidateAddr(msg.Dest)
	}

	if addr, found, err := t.addrStore.LookupAddress(msg.Dest); err == nil && found {
		if t.tryDirect(addr, encoded) {
			t.cacheAddr(msg.Dest, addr)
			return nil
		}
	}

	return t.backend.Put(caller, msg)
}

func (t *transport) tryDirect(addr string, encoded []byte) bool {
	conn, err := net.DialTimeout("tcp", addr, t.config.DialTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(t.config.DialTimeout))
	return writeFrame(conn, encoded) == nil
}

func (t *transport) cachedAddr(id identity.EntityId) (string, bool) {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	addr, ok := t.cache[id.Key()]
	return addr, ok
}

func (t *transport) cacheAddr(id identity.EntityId, addr string) {
	t.cacheMu.Lock()
	t.cache[id.Key()] = addr
	t.cacheMu.Unlock()
}

func (t *transport) invalidateAddr(id identity.EntityId) {
	t.cacheMu.Lock()
	delete(t.cache, id.Key())
	t.cacheMu.Unlock()
}

// Recv reads the next message delivered to id, whether it arrived directly
// over TCP or was drained from the Redis indirection queue. id must have
// been registered with this transport instance via CreateMailbox (the
// hybrid transport only serves mailboxes it hosts locally).
func (t *transport) Recv(ctx context.Context, caller mailbox.CallerIdentity, id identity.EntityId, timeout time.Duration) (identity.Message, error) {
	t.inboxMu.Lock()
	ib, ok := t.inboxes[id.Key()]
	t.inboxMu.Unlock()
	if !ok {
		return identity.Message{}, exchangeerr.New(exchangeerr.BadEntity, "mailbox %s is not hosted by this hybrid transport", id)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case msg, ok := <-ib.ch:
		if !ok {
			return identity.Message{}, exchangeerr.New(exchangeerr.MailboxTerminated, "mailbox %s terminated", id)
		}
		return msg, nil
	case <-timeoutCh:
		return identity.Message{}, exchangeerr.New(exchangeerr.Timeout, "recv on %s timed out", id)
	case <-ctx.Done():
		return identity.Message{}, ctx.Err()
	}
}

func (t *transport) Status(caller mailbox.CallerIdentity, id identity.EntityId) (mailbox.State, error) {
	return t.backend.Status(caller, id)
}

func (t *transport) Discover(caller mailbox.CallerIdentity, name string, includeSubclasses bool) ([]identity.EntityId, error) {
	return t.backend.Discover(caller, name, includeSubclasses)
}

func (t *transport) Close() error {
	t.inboxMu.Lock()
	for _, ib := range t.inboxes {
		ib.cancel()
	}
	t.inboxes = make(map[string]*inbox)
	t.inboxMu.Unlock()
	return t.listener.Close()
}

// factory implements exchange.Factory over the hybrid transport.
type factory struct {
	transport exchange.Transport
	logger    logging.Logger
}

// NewFactory builds an exchange.Factory backed by a hybrid transport.
func NewFactory(backend mailbox.Backend, addrStore AddressStore, config Config, logger logging.Logger) (exchange.Factory, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}
	tr, err := NewTransport(backend, addrStore, config, logger)
	if err != nil {
		return nil, err
	}
	return &factory{transport: tr, logger: logger}, nil
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
