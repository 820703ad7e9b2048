package identity

import (
	"fmt"

	"github.com/fluxorio/exchange/pkg/exchangeerr"
)

// knownExceptions reconstructs a taxonomy error for class names the runtime
// recognizes, giving callers a typed error instead of always falling back to
// the generic ActionException wrapper.
var knownExceptions = map[string]exchangeerr.Kind{
	"BadEntity":          exchangeerr.BadEntity,
	"MailboxTerminated":  exchangeerr.MailboxTerminated,
	"Forbidden":          exchangeerr.Forbidden,
	"Unauthorized":       exchangeerr.Unauthorized,
	"MessageTooLarge":    exchangeerr.MessageTooLarge,
	"MailboxFull":        exchangeerr.MailboxFull,
	"AgentTerminated":    exchangeerr.AgentTerminated,
	"TimeoutError":       exchangeerr.Timeout,
	"Cancelled":          exchangeerr.Cancelled,
	"HandleClosed":       exchangeerr.HandleClosed,
}

// EncodeException renders a Go error into the wire's {class_name, message,
// repr} exception envelope (§6, §9: cross-process exception identity cannot
// be preserved, so only the class name and message survive the hop).
func EncodeException(err error) ErrorBody {
	if te, ok := err.(*exchangeerr.Error); ok {
		className := string(te.Kind)
		if te.ClassName != "" {
			className = te.ClassName
		}
		return ErrorBody{ClassName: className, Message: te.Message, Repr: err.Error()}
	}
	return ErrorBody{ClassName: "RuntimeError", Message: err.Error(), Repr: err.Error()}
}

// DecodeException reverses EncodeException: known class names re-instantiate
// as the matching taxonomy error; anything else falls back to a generic
// ActionException that preserves the original class name in the message, per
// the design note on exception transport.
func DecodeException(body ErrorBody) error {
	if kind, ok := knownExceptions[body.ClassName]; ok {
		return &exchangeerr.Error{Kind: kind, Message: body.Message}
	}
	return exchangeerr.NewAction(body.ClassName, body.Message)
}

func (b ErrorBody) String() string {
	return fmt.Sprintf("%s: %s", b.ClassName, b.Message)
}
