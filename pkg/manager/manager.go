// Package manager implements the Manager/Launcher: it owns agent
// registration, runs agents on named worker-pool executors, applies the
// restart policy on failure, and aggregates shutdown across every agent it
// launched.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/exchange/pkg/agent"
	"github.com/fluxorio/exchange/pkg/concurrency"
	"github.com/fluxorio/exchange/pkg/exchange"
	"github.com/fluxorio/exchange/pkg/exchangeerr"
	"github.com/fluxorio/exchange/pkg/handle"
	"github.com/fluxorio/exchange/pkg/identity"
	"github.com/fluxorio/exchange/pkg/logging"
)

const defaultExecutorName = "default"

// managerMetrics holds the Prometheus collectors tracking restart activity
// and the live agent population, mirroring pkg/exchange/httpx's
// request-metrics shape.
type managerMetrics struct {
	restartsTotal prometheus.Counter
	activeAgents  prometheus.Gauge
}

func newManagerMetrics(registerer prometheus.Registerer) *managerMetrics {
	if registerer == nil {
		// Each Manager gets its own registry by default so that multiple
		// Managers coexisting in a process (or across test cases) never
		// collide on prometheus.DefaultRegisterer's collector names.
		registerer = prometheus.NewRegistry()
	}
	return &managerMetrics{
		restartsTotal: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "exchange_manager_agent_restarts_total",
			Help: "Agent (re)start attempts after the initial launch, across every Manager instance sharing this registerer.",
		}),
		activeAgents: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "exchange_manager_active_agents",
			Help: "Agents launched by this Manager that have not yet finished (successfully, by error, or by exhausting restarts).",
		}),
	}
}

// controlBlock is the AgentControlBlock the spec describes: the Manager's
// record of one launched agent, its executor, and its outcome.
type controlBlock struct {
	agentID      identity.EntityId
	executorName string
	maxRestarts  int

	mu       sync.Mutex
	attempts int
	finished bool
	err      error
	done     chan struct{}
}

func (cb *controlBlock) finish(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.finished {
		return
	}
	cb.finished = true
	cb.err = err
	close(cb.done)
}

// LaunchOptions configures one Launch call. Zero value launches on the
// default executor with a zero agent.Config (no mailbox termination, no
// shutdown grace period) and no restarts.
type LaunchOptions struct {
	// Executor names the worker pool to host the agent on; empty uses the
	// Manager's default executor.
	Executor string
	// Name is the agent's display name, used only if Registration is nil.
	Name string
	// Ancestry is the agent's behavior ancestry, used only if Registration
	// is nil.
	Ancestry []string
	// Registration, when set, reuses an AgentId/mailbox already created by
	// a prior call to RegisterAgent instead of allocating a new one.
	Registration *identity.EntityId
	// Config is the agent's termination policy; restart attempts before the
	// last one always run with termination disabled regardless of Config.
	Config agent.Config
	// MaxRestarts is how many times a failed agent is restarted (with the
	// same registration and mailbox) before the failure is final.
	MaxRestarts int
}

// Manager owns the lifecycle of every agent it launches: registration,
// execution on a worker pool, restart policy, handle caching, and
// coordinated shutdown.
type Manager struct {
	userClient     *exchange.Client
	factory        exchange.Factory
	logger         logging.Logger
	defaultExecSet bool
	metrics        *managerMetrics

	mu        sync.Mutex
	executors map[string]concurrency.WorkerPool
	agents    map[string]*controlBlock
	handles   map[string]handle.Handle
	closed    bool
}

// New creates a Manager backed by factory, with userClient as the
// UserExchangeClient used for handle creation and discovery. A default
// executor with 10 workers is created automatically; AddExecutor registers
// additional named pools. Restart counts and live-agent population are
// exported to a private Prometheus registry; use NewWithMetrics to share one
// explicitly (e.g. the process's own default registerer).
func New(userClient *exchange.Client, factory exchange.Factory, logger logging.Logger) *Manager {
	return NewWithMetrics(userClient, factory, logger, nil)
}

// NewWithMetrics is New, but registers the Manager's restart-count and
// active-agent-count collectors against registerer instead of a private
// registry created just for this Manager.
func NewWithMetrics(userClient *exchange.Client, factory exchange.Factory, logger logging.Logger, registerer prometheus.Registerer) *Manager {
	m := &Manager{
		userClient: userClient,
		factory:    factory,
		logger:     logger,
		metrics:    newManagerMetrics(registerer),
		executors:  make(map[string]concurrency.WorkerPool),
		agents:     make(map[string]*controlBlock),
		handles:    make(map[string]handle.Handle),
	}
	m.AddExecutor(defaultExecutorName, concurrency.DefaultWorkerPoolConfig())
	return m
}

// AddExecutor registers (and starts) a named worker pool agents can be
// launched onto via LaunchOptions.Executor.
func (m *Manager) AddExecutor(name string, config concurrency.WorkerPoolConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executors[name]; exists {
		return nil
	}
	pool := concurrency.NewWorkerPool(context.Background(), config)
	if err := pool.Start(); err != nil {
		return err
	}
	m.executors[name] = pool
	return nil
}

// RegisterAgent allocates an AgentId and its mailbox without launching a
// behavior against it yet.
func (m *Manager) RegisterAgent(name string, ancestry []string) (identity.EntityId, error) {
	return m.factory.RegisterAgent(name, ancestry)
}

// Launch registers (if Registration is nil) and schedules behavior to run
// on the chosen executor, applying the restart policy on failure, and
// returns a Handle addressing it.
func (m *Manager) Launch(behavior interface{}, opts LaunchOptions) (handle.Handle, error) {
	var id identity.EntityId
	if opts.Registration != nil {
		id = *opts.Registration
	} else {
		registered, err := m.RegisterAgent(opts.Name, opts.Ancestry)
		if err != nil {
			return nil, err
		}
		id = registered
	}

	executorName := opts.Executor
	if executorName == "" {
		executorName = defaultExecutorName
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, exchangeerr.New(exchangeerr.ActionException, "manager is closed")
	}
	pool, ok := m.executors[executorName]
	if !ok {
		m.mu.Unlock()
		return nil, exchangeerr.New(exchangeerr.BadEntity, "no executor registered with name %q", executorName)
	}
	cb := &controlBlock{
		agentID:      id,
		executorName: executorName,
		maxRestarts:  opts.MaxRestarts,
		done:         make(chan struct{}),
	}
	m.agents[id.Key()] = cb
	m.mu.Unlock()

	m.metrics.activeAgents.Inc()
	task := concurrency.TaskFunc(func(ctx context.Context) error {
		defer m.metrics.activeAgents.Dec()
		return m.runWithRestart(ctx, cb, behavior, opts.Config)
	})
	if err := pool.Submit(task); err != nil {
		m.metrics.activeAgents.Dec()
		cb.finish(err)
		return nil, err
	}

	return m.GetHandle(id)
}

// runWithRestart drives the restart policy: up to maxRestarts restarts on
// failure, termination disabled on all but the final attempt, and a
// cancelled context always breaks the loop.
func (m *Manager) runWithRestart(ctx context.Context, cb *controlBlock, behavior interface{}, config agent.Config) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		cb.mu.Lock()
		cb.attempts = attempt + 1
		cb.mu.Unlock()
		if attempt > 0 {
			m.metrics.restartsTotal.Inc()
		}

		attemptConfig := config
		final := attempt >= cb.maxRestarts
		if !final {
			attemptConfig.TerminateOnSuccess = false
			attemptConfig.TerminateOnError = false
		}

		a := agent.New(cb.agentID, behavior, m.factory, attemptConfig, m.logger)
		lastErr = a.Run(ctx)

		if lastErr == nil {
			cb.finish(nil)
			return nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			cb.finish(lastErr)
			return lastErr
		}
		if final {
			cb.finish(lastErr)
			return lastErr
		}
		m.logger.Warnf("agent %s failed on attempt %d, restarting: %v", cb.agentID, attempt+1, lastErr)
	}
}

// GetHandle returns the cached Handle for agentID, creating and caching a
// new pinned RemoteHandle (against the Manager's UserExchangeClient) if none
// exists yet.
func (m *Manager) GetHandle(agentID identity.EntityId) (handle.Handle, error) {
	key := agentID.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[key]; ok {
		return h, nil
	}
	h := handle.NewPinned(m.userClient, agentID, false)
	m.handles[key] = h
	return h, nil
}

// Shutdown sends a Shutdown request to agent (ignoring MailboxTerminated),
// optionally blocking until it terminates.
func (m *Manager) Shutdown(ctx context.Context, agentID identity.EntityId, blocking bool, timeout time.Duration) error {
	h, err := m.GetHandle(agentID)
	if err != nil {
		return err
	}
	if err := h.Shutdown(ctx, nil); err != nil {
		return err
	}
	if !blocking {
		return nil
	}
	return m.Wait(agentID, true, timeout)
}

// Wait blocks on agentID's control block task, returning BadEntity if the
// agent is unknown, TimeoutError on expiry, and the agent's aggregated error
// unless raiseError is false.
func (m *Manager) Wait(agentID identity.EntityId, raiseError bool, timeout time.Duration) error {
	m.mu.Lock()
	cb, ok := m.agents[agentID.Key()]
	m.mu.Unlock()
	if !ok {
		return exchangeerr.New(exchangeerr.BadEntity, "no agent registered with id %s", agentID)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-cb.done:
	case <-timer:
		return exchangeerr.New(exchangeerr.Timeout, "wait on agent %s timed out after %s", agentID, timeout)
	}

	cb.mu.Lock()
	err := cb.err
	cb.mu.Unlock()
	if !raiseError {
		return nil
	}
	return err
}

// Close shuts down every live agent, awaits all of their tasks, closes the
// Manager's UserExchangeClient, stops every executor, and aggregates any
// agent or teardown errors into one error.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	agentIDs := make([]identity.EntityId, 0, len(m.agents))
	for _, cb := range m.agents {
		agentIDs = append(agentIDs, cb.agentID)
	}
	executors := make(map[string]concurrency.WorkerPool, len(m.executors))
	for name, pool := range m.executors {
		executors[name] = pool
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range agentIDs {
		if err := m.Shutdown(ctx, id, true, 0); err != nil && !exchangeerr.Is(err, exchangeerr.MailboxTerminated) {
			errs = append(errs, fmt.Errorf("shutdown agent %s: %w", id, err))
		}
	}

	if err := m.userClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close user client: %w", err))
	}

	for name, pool := range executors {
		if err := pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop executor %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
