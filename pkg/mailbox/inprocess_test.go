package mailbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/identity"
)

func TestCreatePutGetFIFO(t *testing.T) {
	b := NewInProcess(DefaultInProcessConfig())
	sender := identity.NewUserId("sender")
	dest := identity.NewAgentId("counter", []string{"Counter"})
	owner := CallerIdentity{ID: dest}

	if err := b.CreateMailbox(owner, dest); err != nil {
		t.Fatalf("create: %v", err)
	}
	// idempotent for the same owner
	if err := b.CreateMailbox(owner, dest); err != nil {
		t.Fatalf("idempotent create: %v", err)
	}

	m1 := identity.MakeRequest(sender, dest, "h1", identity.ActionRequest{Name: "add"})
	m2 := identity.MakeRequest(sender, dest, "h1", identity.ActionRequest{Name: "count"})

	if err := b.Put(CallerIdentity{ID: sender}, m1); err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if err := b.Put(CallerIdentity{ID: sender}, m2); err != nil {
		t.Fatalf("put 2: %v", err)
	}

	ctx := context.Background()
	got1, err := b.Get(ctx, owner, dest, 0)
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}
	got2, err := b.Get(ctx, owner, dest, 0)
	if err != nil {
		t.Fatalf("get 2: %v", err)
	}

	if got1.Tag != m1.Tag || got2.Tag != m2.Tag {
		t.Fatalf("FIFO violated: got %s, %s", got1.Tag, got2.Tag)
	}
}

func TestPutToUnknownIsBadEntity(t *testing.T) {
	b := NewInProcess(DefaultInProcessConfig())
	sender := identity.NewUserId("sender")
	dest := identity.NewAgentId("ghost", []string{"Ghost"})
	msg := identity.MakeRequest(sender, dest, "h1", identity.PingRequest{})

	err := b.Put(CallerIdentity{ID: sender}, msg)
	if !exchangeerr.Is(err, exchangeerr.BadEntity) {
		t.Fatalf("expected BadEntity, got %v", err)
	}
}

func TestTerminateThenGetReportsTerminated(t *testing.T) {
	b := NewInProcess(DefaultInProcessConfig())
	dest := identity.NewAgentId("worker", []string{"Worker"})
	owner := CallerIdentity{ID: dest}
	if err := b.CreateMailbox(owner, dest); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.Terminate(owner, dest); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	// idempotent
	if err := b.Terminate(owner, dest); err != nil {
		t.Fatalf("idempotent terminate: %v", err)
	}

	status, _ := b.Status(owner, dest)
	if status != Terminated {
		t.Fatalf("expected TERMINATED, got %s", status)
	}

	_, err := b.Get(context.Background(), owner, dest, 0)
	if !exchangeerr.Is(err, exchangeerr.MailboxTerminated) {
		t.Fatalf("expected MailboxTerminated, got %v", err)
	}
}

func TestGetTimeout(t *testing.T) {
	b := NewInProcess(DefaultInProcessConfig())
	dest := identity.NewAgentId("quiet", []string{"Quiet"})
	owner := CallerIdentity{ID: dest}
	if err := b.CreateMailbox(owner, dest); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := b.Get(context.Background(), owner, dest, 20*time.Millisecond)
	if !exchangeerr.Is(err, exchangeerr.Timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestPutOversizedMessageIsMessageTooLarge(t *testing.T) {
	b := NewInProcess(InProcessConfig{QueueCapacity: 4, MaxMessageSize: 16})
	sender := identity.NewUserId("sender")
	dest := identity.NewAgentId("counter", []string{"Counter"})
	owner := CallerIdentity{ID: dest}
	if err := b.CreateMailbox(owner, dest); err != nil {
		t.Fatalf("create: %v", err)
	}

	msg := identity.MakeRequest(sender, dest, "h1", identity.ActionRequest{
		Name:  "add",
		PArgs: []json.RawMessage{json.RawMessage(`"this payload is far longer than sixteen bytes"`)},
	})
	err := b.Put(CallerIdentity{ID: sender}, msg)
	if !exchangeerr.Is(err, exchangeerr.MessageTooLarge) {
		t.Fatalf("expected MessageTooLarge, got %v", err)
	}
}

func TestPutToFullQueueIsMailboxFullNotMessageTooLarge(t *testing.T) {
	b := NewInProcess(InProcessConfig{QueueCapacity: 1, MaxMessageSize: 0})
	sender := identity.NewUserId("sender")
	dest := identity.NewAgentId("counter", []string{"Counter"})
	owner := CallerIdentity{ID: dest}
	if err := b.CreateMailbox(owner, dest); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := identity.MakeRequest(sender, dest, "h1", identity.ActionRequest{Name: "add"})
	if err := b.Put(CallerIdentity{ID: sender}, first); err != nil {
		t.Fatalf("put 1: %v", err)
	}

	second := identity.MakeRequest(sender, dest, "h1", identity.ActionRequest{Name: "add"})
	err := b.Put(CallerIdentity{ID: sender}, second)
	if !exchangeerr.Is(err, exchangeerr.MailboxFull) {
		t.Fatalf("expected MailboxFull, got %v", err)
	}
	if exchangeerr.Is(err, exchangeerr.MessageTooLarge) {
		t.Fatal("a full queue must not be reported as MessageTooLarge: it is retryable, MessageTooLarge is not")
	}
}

func TestDiscoverAncestryFilterExcludesTerminated(t *testing.T) {
	b := NewInProcess(DefaultInProcessConfig())
	a := identity.NewAgentId("a", []string{"A"})
	bb := identity.NewAgentId("b", []string{"B"})
	c := identity.NewAgentId("c", []string{"C", "B"})
	d := identity.NewAgentId("d", []string{"D", "B"})

	for _, id := range []identity.EntityId{a, bb, c, d} {
		if err := b.CreateMailbox(CallerIdentity{ID: id}, id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := b.Terminate(CallerIdentity{ID: d}, d); err != nil {
		t.Fatalf("terminate d: %v", err)
	}

	withSub, _ := b.Discover(CallerIdentity{}, "B", true)
	if len(withSub) != 2 {
		t.Fatalf("expected 2 results (B, C), got %d: %+v", len(withSub), withSub)
	}

	exact, _ := b.Discover(CallerIdentity{}, "B", false)
	if len(exact) != 1 || !exact[0].Equal(bb) {
		t.Fatalf("expected exactly [B], got %+v", exact)
	}
}
