// Package exchangeerr defines the error taxonomy shared by the mailbox
// backend, exchange transports, handles, the agent runtime, and the manager.
// Backends and transports raise these kinds; transports additionally map them
// to/from HTTP status codes and Redis failure modes.
package exchangeerr

import "fmt"

// Kind enumerates the error taxonomy from the wire protocol and component
// design sections of the specification this runtime implements.
type Kind string

const (
	// BadEntity means the address is unknown; non-retryable against the
	// same address.
	BadEntity Kind = "BadEntity"
	// MailboxTerminated means the destination mailbox is closed; the
	// client should treat the agent as gone.
	MailboxTerminated Kind = "MailboxTerminated"
	// Forbidden means the caller lacks permission on the target mailbox.
	Forbidden Kind = "Forbidden"
	// Unauthorized means authentication failed or was missing.
	Unauthorized Kind = "Unauthorized"
	// MessageTooLarge means the encoded message exceeds the backend's
	// configured size limit; non-retryable against the same message.
	MessageTooLarge Kind = "MessageTooLarge"
	// MailboxFull means the destination's bounded queue has no free slot
	// right now; transient backpressure, distinct from MessageTooLarge —
	// retrying unchanged after backoff can succeed.
	MailboxFull Kind = "MailboxFull"
	// HandleClosed means the handle was already closed by its owner.
	HandleClosed Kind = "HandleClosed"
	// ExchangeClientNotFound means no ambient exchange client exists for
	// the calling context.
	ExchangeClientNotFound Kind = "ExchangeClientNotFound"
	// HandleNotBound means a handle was constructed with ignore_context
	// and has no pinned exchange.
	HandleNotBound Kind = "HandleNotBound"
	// AgentTerminated means an action was attempted against an agent
	// that has already shut down.
	AgentTerminated Kind = "AgentTerminated"
	// Timeout means an operation-specific timeout elapsed.
	Timeout Kind = "TimeoutError"
	// Cancelled means an action was cancelled before it produced a
	// response.
	Cancelled Kind = "Cancelled"
	// ActionException wraps an exception raised inside a behavior's
	// action method, preserving the original class name and message.
	ActionException Kind = "ActionException"
)

// Error is the concrete error type carried across every layer of this
// runtime. Transports translate it to HTTP status codes (see httpx) and to
// the wire's {class_name, message} exception envelope (see identity).
type Error struct {
	Kind    Kind
	Message string
	// ClassName holds the original exception's class name for
	// ActionException errors re-instantiated from the wire.
	ClassName string
}

func (e *Error) Error() string {
	if e.ClassName != "" {
		return fmt.Sprintf("%s: %s", e.ClassName, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs a taxonomy error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewAction wraps a behavior-side exception for transport back to the caller.
func NewAction(className, message string) *Error {
	return &Error{Kind: ActionException, Message: message, ClassName: className}
}

// Is reports whether err carries the given taxonomy kind, unwrapping as
// needed so this plays well with errors.Is.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else if errAs, ok := err.(interface{ Unwrap() error }); ok {
		return Is(errAs.Unwrap(), kind)
	} else {
		return false
	}
	return e.Kind == kind
}
