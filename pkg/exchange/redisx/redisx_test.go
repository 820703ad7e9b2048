package redisx

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
	"github.com/fluxorio/exchange/pkg/mailbox/redisbackend"
)

// TestTransportDelegatesToBackend exercises the adapter logic against the
// in-process backend: redisx.transport does no framing of its own, so any
// mailbox.Backend proves the wiring is correct without requiring a live
// Redis instance.
func TestTransportDelegatesToBackend(t *testing.T) {
	backend := mailbox.NewInProcess(mailbox.DefaultInProcessConfig())
	factory := NewFactory(backend, logging.NewDefault())

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

	names, err := factory.Transport().Discover(mailbox.CallerIdentity{ID: userID}, "Worker", false)
	if err != nil || len(names) != 1 || !names[0].Equal(agentID) {
		t.Fatalf("discover: got %+v, err %v", names, err)
	}
}

// TestRedisIntegration round-trips through a live Redis instance when
// REDIS_URL is set; skipped otherwise, like pkg/exchange/hybrid's
// TestHybridRedisIntegration.
func TestRedisIntegration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping live Redis integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	backend := redisbackend.New(rdb, redisbackend.DefaultConfig("redisx-it"))
	factory := NewFactory(backend, logging.NewDefault())

	agentID, err := factory.RegisterAgent("worker", []string{"Worker"})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	userID, err := factory.RegisterUser("caller")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	defer factory.Transport().Terminate(mailbox.CallerIdentity{ID: agentID}, agentID)
	defer factory.Transport().Terminate(mailbox.CallerIdentity{ID: userID}, userID)

	req := identity.MakeRequest(userID, agentID, "h1", identity.PingRequest{})
	if err := factory.Transport().Send(mailbox.CallerIdentity{ID: userID}, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := factory.Transport().Recv(context.Background(), mailbox.CallerIdentity{ID: agentID}, agentID, 2*time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Tag != req.Tag {
		t.Fatalf("tag mismatch: got %s want %s", got.Tag, req.Tag)
	}
}
