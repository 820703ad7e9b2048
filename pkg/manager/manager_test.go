package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxorio/exchange/pkg/agent"
	"github.com/fluxorio/exchange/pkg/exchange"
	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
)

func newTestManager(t *testing.T) (*Manager, exchange.Factory) {
	t.Helper()
	backend := mailbox.NewInProcess(mailbox.DefaultInProcessConfig())
	factory := exchange.NewLocalFactory(backend, logging.NewDefault())

	userID, err := factory.RegisterUser("test-owner")
	require.NoError(t, err)
	userClient, err := factory.CreateUserClient(userID)
	require.NoError(t, err)
	return New(userClient, factory, logging.NewDefault()), factory
}

// counter is a minimal behavior exercising the ping/action round trip
// described in scenario 2 of the spec.
type counter struct {
	value int
}

func (c *counter) Add(ctx context.Context, pargs []json.RawMessage, kargs map[string]json.RawMessage) (json.RawMessage, error) {
	var n int
	if len(pargs) > 0 {
		_ = json.Unmarshal(pargs[0], &n)
	}
	c.value += n
	return json.Marshal(c.value)
}

func TestManagerLaunchAndPingRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close(context.Background())

	h, err := m.Launch(&counter{}, LaunchOptions{Name: "counter", Ancestry: []string{"Counter"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h.Ping(ctx)
	require.NoError(t, err)

	arg, _ := json.Marshal(4)
	result, err := h.Action(ctx, "Add", []json.RawMessage{arg}, nil)
	require.NoError(t, err)

	var got int
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, 4, got)

	require.NoError(t, m.Shutdown(ctx, h.Target(), true, 2*time.Second))
}

// failNTimes raises on OnSetup for the first failUntil attempts, then
// succeeds — scenario 6 ("restart on startup failure") from the spec.
type failNTimes struct {
	failUntil int
	attempts  int
}

func (f *failNTimes) OnSetup(ctx context.Context) error {
	f.attempts++
	if f.attempts <= f.failUntil {
		return fmt.Errorf("boom on attempt %d", f.attempts)
	}
	return nil
}

func (f *failNTimes) Idle(ctx context.Context, shutdown <-chan struct{}) error {
	<-shutdown
	return nil
}

func TestManagerRestartsOnSetupFailureUntilSuccess(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close(context.Background())

	behavior := &failNTimes{failUntil: 2}
	h, err := m.Launch(behavior, LaunchOptions{
		Name:        "flaky",
		Ancestry:    []string{"Flaky"},
		MaxRestarts: 2,
		Config:      agent.DefaultConfig(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h.Ping(ctx)
	require.NoError(t, err, "expected ping to succeed after restarts")
	require.Equal(t, 3, behavior.attempts, "expected 2 failures + 1 success")
}

func TestManagerWaitRaisesStartupErrorWhenRestartsExhausted(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close(context.Background())

	behavior := &failNTimes{failUntil: 2}
	h, err := m.Launch(behavior, LaunchOptions{
		Name:        "flaky-exhausted",
		Ancestry:    []string{"Flaky"},
		MaxRestarts: 1,
		Config:      agent.DefaultConfig(),
	})
	require.NoError(t, err)

	err = m.Wait(h.Target(), true, 2*time.Second)
	require.Error(t, err, "expected Wait to surface the startup error once restarts are exhausted")
}

func TestManagerWaitUnknownAgentReturnsBadEntity(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Close(context.Background())

	factory := exchange.NewLocalFactory(mailbox.NewInProcess(mailbox.DefaultInProcessConfig()), logging.NewDefault())
	unknown, err := factory.RegisterAgent("ghost", []string{"Ghost"})
	require.NoError(t, err)

	err = m.Wait(unknown, true, time.Second)
	require.True(t, exchangeerr.Is(err, exchangeerr.BadEntity))
}

func TestManagerCloseShutsDownAllAgents(t *testing.T) {
	m, _ := newTestManager(t)

	h1, err := m.Launch(&counter{}, LaunchOptions{Name: "a", Ancestry: []string{"Counter"}})
	require.NoError(t, err)
	h2, err := m.Launch(&counter{}, LaunchOptions{Name: "b", Ancestry: []string{"Counter"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h1.Ping(ctx)
	require.NoError(t, err)
	_, err = h2.Ping(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx), "Close should be idempotent")
}
