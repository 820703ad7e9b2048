package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fluxorio/exchange/pkg/exchange"
	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/handle"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

// counter is a minimal behavior: two actions, one loop, setup/shutdown hooks.
type counter struct {
	value       int
	setupCalls  int
	shutdownRan bool
	tickCh      chan struct{}
}

func (c *counter) OnSetup(ctx context.Context) error {
	c.setupCalls++
	return nil
}

func (c *counter) OnShutdown(ctx context.Context) error {
	c.shutdownRan = true
	return nil
}

func (c *counter) Add(ctx context.Context, pargs []json.RawMessage, kargs map[string]json.RawMessage) (json.RawMessage, error) {
	var n int
	if len(pargs) > 0 {
		_ = json.Unmarshal(pargs[0], &n)
	}
	c.value += n
	return json.Marshal(c.value)
}

// Block runs until its context is cancelled, so a test can exercise the
// CancelRequest path against a genuinely in-flight action.
func (c *counter) Block(ctx context.Context, pargs []json.RawMessage, kargs map[string]json.RawMessage) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *counter) Tick(ctx context.Context, shutdown <-chan struct{}) error {
	for {
		select {
		case <-shutdown:
			return nil
		case <-ctx.Done():
			return nil
		default:
			if c.tickCh != nil {
				select {
				case c.tickCh <- struct{}{}:
				default:
				}
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func newTestFactory() exchange.Factory {
	backend := mailbox.NewInProcess(mailbox.DefaultInProcessConfig())
	return exchange.NewLocalFactory(backend, logging.NewDefault())
}

func TestIntrospectFindsActionsAndLoops(t *testing.T) {
	c := &counter{}
	actions, loops := introspect(c)
	if _, ok := actions["Add"]; !ok {
		t.Fatalf("expected Add to be discovered as an action, got %v", actions)
	}
	if _, ok := loops["Tick"]; !ok {
		t.Fatalf("expected Tick to be discovered as a loop, got %v", loops)
	}
	if _, ok := actions["Tick"]; ok {
		t.Fatalf("Tick should not be discovered as an action")
	}
}

func TestAgentLifecycleRunsSetupActionsAndShutdown(t *testing.T) {
	factory := newTestFactory()
	agentID, err := factory.RegisterAgent("counter", []string{"Counter"})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	behavior := &counter{tickCh: make(chan struct{}, 1)}
	a := New(agentID, behavior, factory, DefaultConfig(), logging.NewDefault())

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- a.Run(ctx) }()

	select {
	case <-behavior.tickCh:
	case <-time.After(time.Second):
		t.Fatal("loop never ticked")
	}

	userID, _ := factory.RegisterUser("caller")
	userClient, _ := factory.CreateUserClient(userID)
	defer userClient.Close()

	h := handle.NewPinned(userClient, agentID, false)
	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()

	arg, _ := json.Marshal(5)
	result, err := h.Action(callCtx, "Add", []json.RawMessage{arg}, nil)
	if err != nil {
		t.Fatalf("Add action: %v", err)
	}
	var got int
	_ = json.Unmarshal(result, &got)
	if got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never terminated")
	}

	if !behavior.shutdownRan {
		t.Fatal("expected OnShutdown to have run")
	}
	if a.State() != Terminated {
		t.Fatalf("expected Terminated, got %s", a.State())
	}

	status, err := userClient.Status(agentID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != mailbox.Terminated {
		t.Fatalf("expected mailbox terminated after clean shutdown, got %v", status)
	}
}

func TestAgentUnknownActionReportsAttributeError(t *testing.T) {
	factory := newTestFactory()
	agentID, _ := factory.RegisterAgent("counter", []string{"Counter"})
	behavior := &counter{}
	a := New(agentID, behavior, factory, DefaultConfig(), logging.NewDefault())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	userID, _ := factory.RegisterUser("caller")
	userClient, _ := factory.CreateUserClient(userID)
	defer userClient.Close()

	h := handle.NewPinned(userClient, agentID, false)
	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()

	_, err := h.Action(callCtx, "NoSuchAction", nil, nil)
	if !exchangeerr.Is(err, exchangeerr.ActionException) {
		t.Fatalf("expected ActionException, got %v", err)
	}
	var exchErr *exchangeerr.Error
	if !errors.As(err, &exchErr) || exchErr.ClassName != "AttributeError" {
		t.Fatalf("expected AttributeError class name, got %v", err)
	}

	cancel()
	<-done
}

// captureSink is a minimal exchange.ResponseSink that hands every delivered
// message to a channel, letting a test inspect the raw wire response instead
// of going through RemoteHandle's ctx-cancellation shortcut.
type captureSink struct {
	ch chan identity.Message
}

func (s *captureSink) DeliverResponse(msg identity.Message) { s.ch <- msg }
func (s *captureSink) ClientClosed()                        {}

func TestAgentCancelRequestReportsCancelled(t *testing.T) {
	factory := newTestFactory()
	agentID, _ := factory.RegisterAgent("counter", []string{"Counter"})
	behavior := &counter{}
	a := New(agentID, behavior, factory, DefaultConfig(), logging.NewDefault())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	userID, _ := factory.RegisterUser("caller")
	userClient, _ := factory.CreateUserClient(userID)
	defer userClient.Close()

	sink := &captureSink{ch: make(chan identity.Message, 1)}
	const label = "cancel-test"
	userClient.RegisterHandle(label, sink)
	defer userClient.UnregisterHandle(label)

	req := identity.MakeRequest(userClient.Self(), agentID, label, identity.ActionRequest{Name: "Block"})
	if err := userClient.Send(req); err != nil {
		t.Fatalf("send action request: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // let Block actually start running

	cancelReq := identity.MakeRequest(userClient.Self(), agentID, label, identity.CancelRequest{TargetTag: req.Tag})
	if err := userClient.Send(cancelReq); err != nil {
		t.Fatalf("send cancel request: %v", err)
	}

	select {
	case resp := <-sink.ch:
		errBody, ok := resp.Body.(identity.ErrorBody)
		if !ok {
			t.Fatalf("expected an ErrorBody response, got %T", resp.Body)
		}
		decoded := identity.DecodeException(errBody)
		if !exchangeerr.Is(decoded, exchangeerr.Cancelled) {
			t.Fatalf("expected exchangeerr.Cancelled, got %v", decoded)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancelled action response")
	}

	cancel()
	<-done
}

func TestAgentTerminateOnErrorPolicyKeepsMailboxAlive(t *testing.T) {
	factory := newTestFactory()
	agentID, _ := factory.RegisterAgent("counter", []string{"Counter"})

	failing := &failingLoopBehavior{}
	config := DefaultConfig()
	config.TerminateOnError = false
	a := New(agentID, failing, factory, config, logging.NewDefault())

	ctx := context.Background()
	err := a.Run(ctx)
	if err == nil {
		t.Fatal("expected loop error to propagate")
	}

	userID, _ := factory.RegisterUser("caller")
	userClient, _ := factory.CreateUserClient(userID)
	defer userClient.Close()

	status, err := userClient.Status(agentID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != mailbox.Active {
		t.Fatalf("expected mailbox to survive a policy that does not terminate on error, got %v", status)
	}
}

type failingLoopBehavior struct{}

func (f *failingLoopBehavior) Crash(ctx context.Context, shutdown <-chan struct{}) error {
	return exchangeerr.New(exchangeerr.ActionException, "boom")
}
