package agent

import "time"

// Config governs an agent's termination policy and shutdown grace period.
// The Manager overrides TerminateOnSuccess/TerminateOnError to false for all
// but the final restart attempt, so a failing agent's mailbox survives to be
// reclaimed by the next attempt.
type Config struct {
	// TerminateOnSuccess terminates the agent's mailbox when run() returns
	// with no error (a Shutdown request or cancellation of run's context,
	// with no loop or shutdown-hook error).
	TerminateOnSuccess bool
	// TerminateOnError terminates the agent's mailbox when run() returns an
	// aggregated loop error.
	TerminateOnError bool
	// GracePeriod bounds how long shutdown waits for loops to return after
	// the shutdown event is signalled before giving up on them.
	GracePeriod time.Duration
}

// DefaultConfig matches the common case: clean shutdowns free the mailbox,
// crashes leave it behind for a restart to reconnect to.
func DefaultConfig() Config {
	return Config{
		TerminateOnSuccess: true,
		TerminateOnError:   false,
		GracePeriod:        5 * time.Second,
	}
}
