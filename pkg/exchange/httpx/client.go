package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fluxorio/exchange/pkg/exchange"
	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

// ClientFactory is the serializable unit of configuration for the HTTP
// transport: host, port, auth header, and TLS verification flag, per §4.3.
// Unlike a transport Client, a ClientFactory carries no live connection and
// is safe to marshal across a process boundary.
type ClientFactory struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	BearerToken        string `json:"bearer_token,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	// RequestTimeout bounds a single HTTP round trip excluding /message's
	// long-poll Get, which instead carries its own timeout in the body.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

func (f ClientFactory) baseURL() string {
	return fmt.Sprintf("http://%s:%d", f.Host, f.Port)
}

func (f ClientFactory) httpClient() *http.Client {
	transport := &http.Transport{}
	if f.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

// transport implements exchange.Transport over HTTP.
type transport struct {
	factory ClientFactory
	client  *http.Client
	logger  logging.Logger
}

// NewTransport builds an exchange.Transport that talks to factory's server.
func NewTransport(factory ClientFactory, logger logging.Logger) exchange.Transport {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &transport{factory: factory, client: factory.httpClient(), logger: logger}
}

func (t *transport) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.factory.baseURL()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.factory.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.factory.BearerToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeErrorResponse(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return exchangeerr.New(exchangeerr.Unauthorized, "%s", body.Message)
	case http.StatusNotFound:
		return exchangeerr.New(exchangeerr.BadEntity, "%s", body.Message)
	case http.StatusForbidden:
		if body.Kind == string(exchangeerr.MailboxTerminated) {
			return exchangeerr.New(exchangeerr.MailboxTerminated, "%s", body.Message)
		}
		return exchangeerr.New(exchangeerr.Forbidden, "%s", body.Message)
	case http.StatusRequestTimeout:
		return exchangeerr.New(exchangeerr.Timeout, "%s", body.Message)
	case http.StatusRequestEntityTooLarge:
		return exchangeerr.New(exchangeerr.MessageTooLarge, "%s", body.Message)
	case http.StatusServiceUnavailable:
		return exchangeerr.New(exchangeerr.MailboxFull, "%s", body.Message)
	default:
		return fmt.Errorf("httpx: unexpected status %d: %s", resp.StatusCode, body.Message)
	}
}

func (t *transport) CreateMailbox(caller mailbox.CallerIdentity, id identity.EntityId) error {
	serialized, err := id.Serialize()
	if err != nil {
		return err
	}
	req := mailboxCreateRequest{Mailbox: serialized}
	if len(id.Ancestry) > 0 {
		req.Behavior = joinBehaviorNames(id.Ancestry)
	}
	ctx, cancel := t.withTimeout(context.Background())
	defer cancel()
	return t.do(ctx, http.MethodPost, "/mailbox", req, nil)
}

func (t *transport) Terminate(caller mailbox.CallerIdentity, id identity.EntityId) error {
	serialized, err := id.Serialize()
	if err != nil {
		return err
	}
	ctx, cancel := t.withTimeout(context.Background())
	defer cancel()
	return t.do(ctx, http.MethodDelete, "/mailbox", mailboxIDRequest{Mailbox: serialized}, nil)
}

func (t *transport) Send(caller mailbox.CallerIdentity, msg identity.Message) error {
	encoded, err := identity.Serialize(msg)
	if err != nil {
		return err
	}
	ctx, cancel := t.withTimeout(context.Background())
	defer cancel()
	return t.do(ctx, http.MethodPut, "/message", messagePutRequest{Message: encoded}, nil)
}

func (t *transport) Recv(ctx context.Context, caller mailbox.CallerIdentity, id identity.EntityId, timeout time.Duration) (identity.Message, error) {
	serialized, err := id.Serialize()
	if err != nil {
		return identity.Message{}, err
	}
	req := messageGetRequest{Mailbox: serialized}
	if timeout > 0 {
		req.TimeoutMilli = timeout.Milliseconds()
	}
	// A zero timeout means "block indefinitely" per the mailbox contract;
	// the HTTP leg still needs a long but bounded client-side deadline so a
	// dead server doesn't hang the caller forever.
	pollCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		pollCtx, cancel = context.WithTimeout(ctx, timeout+5*time.Second)
	} else {
		pollCtx, cancel = context.WithTimeout(ctx, 24*time.Hour)
	}
	defer cancel()

	var resp messageGetResponse
	if err := t.do(pollCtx, http.MethodGet, "/message", req, &resp); err != nil {
		return identity.Message{}, err
	}
	return identity.Deserialize(resp.Message)
}

func (t *transport) Status(caller mailbox.CallerIdentity, id identity.EntityId) (mailbox.State, error) {
	serialized, err := id.Serialize()
	if err != nil {
		return "", err
	}
	ctx, cancel := t.withTimeout(context.Background())
	defer cancel()
	var resp mailboxStatusResponse
	if err := t.do(ctx, http.MethodGet, "/mailbox", mailboxIDRequest{Mailbox: serialized}, &resp); err != nil {
		return "", err
	}
	return mailbox.State(resp.Status), nil
}

func (t *transport) Discover(caller mailbox.CallerIdentity, name string, includeSubclasses bool) ([]identity.EntityId, error) {
	ctx, cancel := t.withTimeout(context.Background())
	defer cancel()
	var resp discoverResponse
	if err := t.do(ctx, http.MethodGet, "/discover", discoverRequest{Behavior: name, AllowSubclasses: includeSubclasses}, &resp); err != nil {
		return nil, err
	}
	return splitAgentIDs(resp.AgentIDs)
}

func (t *transport) Close() error { return nil }

func (t *transport) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := t.factory.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func joinBehaviorNames(ancestry []string) string {
	out := ancestry[0]
	for _, a := range ancestry[1:] {
		out += "," + a
	}
	return out
}

// clientFactoryAdapter implements exchange.Factory over the HTTP transport.
type clientFactoryAdapter struct {
	transport exchange.Transport
	logger    logging.Logger
}

// NewFactory builds an exchange.Factory talking to cf's server.
func NewFactory(cf ClientFactory, logger logging.Logger) exchange.Factory {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &clientFactoryAdapter{transport: NewTransport(cf, logger), logger: logger}
}

func (f *clientFactoryAdapter) RegisterUser(name string) (identity.EntityId, error) {
	id := identity.NewUserId(name)
	if err := f.transport.CreateMailbox(mailbox.CallerIdentity{ID: id}, id); err != nil {
		return identity.EntityId{}, err
	}
	return id, nil
}

func (f *clientFactoryAdapter) RegisterAgent(name string, ancestry []string) (identity.EntityId, error) {
	id := identity.NewAgentId(name, ancestry)
	if err := f.transport.CreateMailbox(mailbox.CallerIdentity{ID: id}, id); err != nil {
		return identity.EntityId{}, err
	}
	return id, nil
}

func (f *clientFactoryAdapter) CreateUserClient(id identity.EntityId) (*exchange.Client, error) {
	return exchange.NewClient(f.transport, id, nil, false, f.logger), nil
}

func (f *clientFactoryAdapter) CreateAgentClient(id identity.EntityId, handler exchange.RequestHandler) (*exchange.Client, error) {
	return exchange.NewClient(f.transport, id, handler, true, f.logger), nil
}

func (f *clientFactoryAdapter) Transport() exchange.Transport { return f.transport }
