package httpx

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

func newTestServerAndFactory(t *testing.T) (*Server, ClientFactory, func()) {
	t.Helper()
	backend := mailbox.NewInProcess(mailbox.DefaultInProcessConfig())
	server := NewServer(backend, ServerConfig{Logger: logging.NewDefault()})

	ts := httptest.NewServer(server.http.Handler)
	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	cf := ClientFactory{Host: host, Port: port, RequestTimeout: 2 * time.Second}
	return server, cf, ts.Close
}

func TestHTTPMailboxLifecycle(t *testing.T) {
	_, cf, closeFn := newTestServerAndFactory(t)
	defer closeFn()

	factory := NewFactory(cf, logging.NewDefault())
	agentID, err := factory.RegisterAgent("worker", []string{"Worker"})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	status, err := factory.Transport().Status(mailbox.CallerIdentity{ID: agentID}, agentID)
	if err != nil || status != mailbox.Active {
		t.Fatalf("expected ACTIVE, got %s (%v)", status, err)
	}

	if err := factory.Transport().Terminate(mailbox.CallerIdentity{ID: agentID}, agentID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	status, _ = factory.Transport().Status(mailbox.CallerIdentity{ID: agentID}, agentID)
	if status != mailbox.Terminated {
		t.Fatalf("expected TERMINATED, got %s", status)
	}
}

func TestHTTPSendRecvRoundTrip(t *testing.T) {
	_, cf, closeFn := newTestServerAndFactory(t)
	defer closeFn()

	factory := NewFactory(cf, logging.NewDefault())
	agentID, err := factory.RegisterAgent("worker", []string{"Worker"})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	userID, err := factory.RegisterUser("caller")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	req := identity.MakeRequest(userID, agentID, "h1", identity.PingRequest{})
	if err := factory.Transport().Send(mailbox.CallerIdentity{ID: userID}, req); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := factory.Transport().Recv(context.Background(), mailbox.CallerIdentity{ID: agentID}, agentID, time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Tag != req.Tag {
		t.Fatalf("tag mismatch: got %s want %s", got.Tag, req.Tag)
	}
	if _, ok := got.Body.(identity.PingRequest); !ok {
		t.Fatalf("expected ping request body, got %+v", got.Body)
	}
}

func TestHTTPSendToUnregisteredReturnsBadEntity(t *testing.T) {
	_, cf, closeFn := newTestServerAndFactory(t)
	defer closeFn()

	factory := NewFactory(cf, logging.NewDefault())
	userID, _ := factory.RegisterUser("caller")
	ghost := identity.NewAgentId("ghost", []string{"Ghost"})

	req := identity.MakeRequest(userID, ghost, "h1", identity.PingRequest{})
	err := factory.Transport().Send(mailbox.CallerIdentity{ID: userID}, req)
	if !exchangeerr.Is(err, exchangeerr.BadEntity) {
		t.Fatalf("expected BadEntity sending to unregistered mailbox, got %v", err)
	}
}

func TestJoinSplitAgentIDsRoundTrip(t *testing.T) {
	a := identity.NewAgentId("a", []string{"A"})
	b := identity.NewAgentId("b", []string{"B", "Base"})

	joined := joinAgentIDs([]identity.EntityId{a, b})
	ids, err := splitAgentIDs(joined)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(ids) != 2 || !ids[0].Equal(a) || !ids[1].Equal(b) {
		t.Fatalf("round trip mismatch: %+v", ids)
	}
}
