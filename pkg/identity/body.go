package identity

import "encoding/json"

// Variant discriminates the wire encoding of a Message body.
type Variant string

const (
	VariantAction        Variant = "action"
	VariantPing          Variant = "ping"
	VariantShutdown      Variant = "shutdown"
	VariantCancel        Variant = "cancel"
	VariantActionResult  Variant = "action_result"
	VariantError         Variant = "error"
	VariantSuccess       Variant = "success"
	VariantPingResponse  Variant = "ping_response"
)

// Body is the sum type carried by a Message: either a Request variant
// (Action, Ping, Shutdown, Cancel) or a Response variant (ActionResult,
// Error, Success, Ping).
type Body interface {
	Variant() Variant
}

// ActionRequest asks the destination agent to invoke a named action.
type ActionRequest struct {
	Name  string
	PArgs []json.RawMessage
	KArgs map[string]json.RawMessage
}

func (ActionRequest) Variant() Variant { return VariantAction }

// PingRequest asks the destination to reply with liveness confirmation.
type PingRequest struct{}

func (PingRequest) Variant() Variant { return VariantPing }

// ShutdownRequest asks the destination agent to begin an orderly shutdown.
// Terminate, when non-nil, overrides the agent's configured termination
// policy for this shutdown.
type ShutdownRequest struct {
	Terminate *bool
}

func (ShutdownRequest) Variant() Variant { return VariantShutdown }

// CancelRequest asks the destination agent to cancel the in-flight action
// identified by TargetTag, if one is still running.
type CancelRequest struct {
	TargetTag string
}

func (CancelRequest) Variant() Variant { return VariantCancel }

// ActionResult carries the return value of a successfully completed action.
type ActionResult struct {
	Value json.RawMessage
}

func (ActionResult) Variant() Variant { return VariantActionResult }

// ErrorBody carries an exception raised while processing the request that
// this message responds to. ClassName/Message/Repr are the wire projection
// of the original exception (cross-process exception identity cannot be
// preserved).
type ErrorBody struct {
	ClassName string
	Message   string
	Repr      string
}

func (ErrorBody) Variant() Variant { return VariantError }

// SuccessBody acknowledges a request that has no meaningful return value.
// The agent runtime does not send one for a ShutdownRequest, which gets no
// reply.
type SuccessBody struct{}

func (SuccessBody) Variant() Variant { return VariantSuccess }

// PingResponseBody acknowledges a PingRequest.
type PingResponseBody struct{}

func (PingResponseBody) Variant() Variant { return VariantPingResponse }

// IsRequest reports whether v is one of the Request variants.
func IsRequest(v Variant) bool {
	switch v {
	case VariantAction, VariantPing, VariantShutdown, VariantCancel:
		return true
	default:
		return false
	}
}
