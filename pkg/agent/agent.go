// Package agent implements the agent runtime: it wraps a user-provided
// behavior instance with a lifecycle state machine, a request-dispatch loop
// bound to an exchange client, and the background loop tasks the behavior
// declares.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxorio/exchange/pkg/exchange"
	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/handle"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/tracing"
)

// State is one stage of the agent lifecycle. Transitions are monotonic:
// restart is always a new Agent, never a state rewind.
type State int

const (
	Initialized State = iota
	Starting
	Running
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "INITIALIZED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Terminating:
		return "TERMINATING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Agent owns a user-provided behavior instance and drives it through the
// lifecycle described above. Run is the synchronous entry point the Manager
// submits to a worker: it blocks until the agent terminates and returns the
// aggregated error, if any.
type Agent struct {
	self     identity.EntityId
	behavior interface{}
	actions  map[string]ActionFunc
	loops    map[string]LoopFunc
	factory  exchange.Factory
	config   Config
	logger   logging.Logger

	mu                sync.RWMutex
	state             State
	client            *exchange.Client
	runCtx            context.Context
	shutdownCh        chan struct{}
	shutdownOnce      sync.Once
	terminateOverride *bool
	inflight          map[string]context.CancelFunc

	loopErrsMu sync.Mutex
	loopErrs   []error
}

// New constructs an Agent for behavior, addressing the mailbox previously
// allocated at self (typically by a Manager's register_agent). The client
// bound to self is created lazily, in Start.
func New(self identity.EntityId, behavior interface{}, factory exchange.Factory, config Config, logger logging.Logger) *Agent {
	actions, loops := introspect(behavior)
	return &Agent{
		self:     self,
		behavior: behavior,
		actions:  actions,
		loops:    loops,
		factory:  factory,
		config:   config,
		logger:   logger.WithFields(map[string]interface{}{"agent_id": self.String()}),
		state:    Initialized,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Self returns the EntityId this agent's mailbox is bound to.
func (a *Agent) Self() identity.EntityId { return a.self }

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Terminated reports whether the agent has fully torn down. Implements
// handle.ActionInvoker.
func (a *Agent) Terminated() bool { return a.State() == Terminated }

// Start performs INITIALIZED -> STARTING -> RUNNING: it opens the exchange
// client bound to self, invokes the behavior's setup hook (if any) with the
// exchange bound ambiently into ctx, and leaves the agent ready for Run to
// launch its loops and dispatch requests.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Initialized {
		a.mu.Unlock()
		return exchangeerr.New(exchangeerr.ActionException, "agent %s cannot start from state %s", a.self, a.state)
	}
	a.state = Starting
	a.shutdownCh = make(chan struct{})
	a.mu.Unlock()

	client, err := a.factory.CreateAgentClient(a.self, a.dispatch)
	if err != nil {
		a.setState(Terminated)
		return err
	}
	a.client = client
	a.runCtx = handle.WithClient(context.Background(), client)

	if hook, ok := a.behavior.(SetupHook); ok {
		setupCtx := handle.WithClient(ctx, client)
		if err := hook.OnSetup(setupCtx); err != nil {
			client.CloseListener()
			a.setState(Terminated)
			return err
		}
	}

	a.setState(Running)
	return nil
}

// Run is the agent's synchronous entry point: start, launch loops, block
// until shutdown is signalled (by a Shutdown request, a loop error, or ctx
// being cancelled), tear down, and return the aggregated loop error if any.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for name, fn := range a.loops {
		wg.Add(1)
		go func(name string, fn LoopFunc) {
			defer wg.Done()
			if err := fn(a.runCtx, a.shutdownCh); err != nil {
				a.reportLoopError(name, err)
				a.SignalShutdown(nil)
			}
		}(name, fn)
	}

	select {
	case <-a.shutdownCh:
	case <-ctx.Done():
		a.SignalShutdown(nil)
	}

	return a.teardown(ctx, &wg)
}

// SignalShutdown marks the agent for termination. terminate, when non-nil,
// overrides the configured termination policy for this shutdown; the first
// non-nil terminate passed wins. Safe to call multiple times and concurrently.
func (a *Agent) SignalShutdown(terminate *bool) {
	a.mu.Lock()
	if a.terminateOverride == nil {
		a.terminateOverride = terminate
	}
	ch := a.shutdownCh
	a.mu.Unlock()

	a.shutdownOnce.Do(func() {
		if ch != nil {
			close(ch)
		}
	})
}

func (a *Agent) reportLoopError(name string, err error) {
	a.loopErrsMu.Lock()
	a.loopErrs = append(a.loopErrs, fmt.Errorf("loop %s: %w", name, err))
	a.loopErrsMu.Unlock()
}

// teardown performs RUNNING -> TERMINATING -> TERMINATED: cancel in-flight
// actions, await loops up to the configured grace period, invoke the
// behavior's shutdown hook, close the client, and terminate the mailbox if
// the effective policy calls for it.
func (a *Agent) teardown(ctx context.Context, wg *sync.WaitGroup) error {
	a.setState(Terminating)

	a.mu.Lock()
	for _, cancel := range a.inflight {
		cancel()
	}
	a.inflight = make(map[string]context.CancelFunc)
	a.mu.Unlock()

	loopsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-time.After(a.config.GracePeriod):
		a.logger.Warnf("grace period elapsed waiting for loops to stop")
	}

	if hook, ok := a.behavior.(ShutdownHook); ok {
		if err := hook.OnShutdown(a.runCtx); err != nil {
			a.reportLoopError("on_shutdown", err)
		}
	}

	a.loopErrsMu.Lock()
	runErr := errors.Join(a.loopErrs...)
	a.loopErrsMu.Unlock()

	a.mu.Lock()
	override := a.terminateOverride
	a.mu.Unlock()

	shouldTerminate := a.config.TerminateOnSuccess
	if runErr != nil {
		shouldTerminate = a.config.TerminateOnError
	}
	if override != nil {
		shouldTerminate = *override
	}

	a.client.CloseListener()
	if shouldTerminate {
		if err := a.client.Terminate(a.self); err != nil && !exchangeerr.Is(err, exchangeerr.MailboxTerminated) {
			runErr = errors.Join(runErr, fmt.Errorf("terminate mailbox: %w", err))
		}
	}

	a.setState(Terminated)
	return runErr
}

// dispatch answers requests delivered to this agent's mailbox. It matches
// exchange.RequestHandler's signature so it can be installed directly as the
// agent client's handler.
func (a *Agent) dispatch(client *exchange.Client, msg identity.Message) {
	switch body := msg.Body.(type) {
	case identity.PingRequest:
		a.reply(client, msg, identity.PingResponseBody{})
	case identity.ActionRequest:
		a.runAction(client, msg, body)
	case identity.ShutdownRequest:
		a.SignalShutdown(body.Terminate)
	case identity.CancelRequest:
		a.cancelAction(body.TargetTag)
	default:
		a.logger.Debugf("dropping unexpected request body %T from %s", body, msg.Src)
	}
}

func (a *Agent) reply(client *exchange.Client, msg identity.Message, body identity.Body) {
	if err := client.Send(identity.MakeResponse(msg, body)); err != nil {
		a.logger.Warnf("failed to reply to %s: %v", msg.Src, err)
	}
}

// runAction looks up the requested action, tracks it by request tag so a
// CancelRequest can cancel it, invokes it, and reports the outcome. Actions
// run concurrently with each other and with loops by default.
func (a *Agent) runAction(client *exchange.Client, msg identity.Message, req identity.ActionRequest) {
	fn, ok := a.actions[req.Name]
	if !ok {
		a.reply(client, msg, identity.EncodeException(
			exchangeerr.NewAction("AttributeError", fmt.Sprintf("agent %s has no action %q", a.self, req.Name))))
		return
	}

	ctx, cancel := context.WithCancel(a.runCtx)
	ctx, span := tracing.StartRoundTrip(ctx, "exchange.action", msg.Tag,
		attribute.String("exchange.action_name", req.Name),
		attribute.String("exchange.source", msg.Src.String()))
	a.mu.Lock()
	a.inflight[msg.Tag] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, msg.Tag)
		a.mu.Unlock()
		cancel()
		span.End()
	}()

	result, err := fn(ctx, req.PArgs, req.KArgs)
	if err != nil {
		if ctx.Err() != nil {
			a.reply(client, msg, identity.EncodeException(exchangeerr.New(exchangeerr.Cancelled, "action %s cancelled", req.Name)))
			return
		}
		a.reply(client, msg, identity.EncodeException(err))
		return
	}
	a.reply(client, msg, identity.ActionResult{Value: result})
}

func (a *Agent) cancelAction(tag string) {
	a.mu.Lock()
	cancel, ok := a.inflight[tag]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

// InvokeAction runs a named action directly against the behavior, bypassing
// the exchange entirely. Implements handle.ActionInvoker for ProxyHandle.
func (a *Agent) InvokeAction(ctx context.Context, name string, pargs []json.RawMessage, kargs map[string]json.RawMessage) (json.RawMessage, error) {
	if a.Terminated() {
		return nil, exchangeerr.New(exchangeerr.AgentTerminated, "agent %s has already shut down", a.self)
	}
	fn, ok := a.actions[name]
	if !ok {
		return nil, exchangeerr.NewAction("AttributeError", fmt.Sprintf("agent %s has no action %q", a.self, name))
	}
	return fn(ctx, pargs, kargs)
}

// Ping implements handle.ActionInvoker.
func (a *Agent) Ping(ctx context.Context) error {
	if a.Terminated() {
		return exchangeerr.New(exchangeerr.AgentTerminated, "agent %s has already shut down", a.self)
	}
	return nil
}

// RequestShutdown implements handle.ActionInvoker.
func (a *Agent) RequestShutdown(ctx context.Context, terminate *bool) error {
	if a.Terminated() {
		return exchangeerr.New(exchangeerr.AgentTerminated, "agent %s has already shut down", a.self)
	}
	a.SignalShutdown(terminate)
	return nil
}
