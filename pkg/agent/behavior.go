package agent

import (
	"context"
	"encoding/json"
	"reflect"
)

// ActionFunc is the signature every action method of a behavior must match.
// pargs/kargs arrive pre-decoded to raw JSON; the action owns decoding them
// further into concrete argument types.
type ActionFunc func(ctx context.Context, pargs []json.RawMessage, kargs map[string]json.RawMessage) (json.RawMessage, error)

// LoopFunc is the signature every loop method of a behavior must match. A
// loop must return once shutdown is closed; it may also return early with an
// error, which tears the agent down the same way an explicit Shutdown would.
type LoopFunc func(ctx context.Context, shutdown <-chan struct{}) error

// SetupHook lets a behavior run one-time initialization after its exchange
// client exists but before any loop or action runs.
type SetupHook interface {
	OnSetup(ctx context.Context) error
}

// ShutdownHook lets a behavior run cleanup after loops have stopped and
// in-flight actions have been cancelled, before the mailbox is torn down.
type ShutdownHook interface {
	OnShutdown(ctx context.Context) error
}

// introspect discovers a behavior's actions and loops by reflecting over its
// exported methods: Go's stand-in for the reflective behavior_actions()
// hook. A method is an action or a loop purely by matching one of the two
// call signatures above, never by name or struct tag, so a behavior needs no
// registration boilerplate beyond implementing the method.
func introspect(behavior interface{}) (actions map[string]ActionFunc, loops map[string]LoopFunc) {
	actions = make(map[string]ActionFunc)
	loops = make(map[string]LoopFunc)

	v := reflect.ValueOf(behavior)
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		name := t.Method(i).Name
		bound := v.Method(i).Interface()
		if fn, ok := bound.(func(context.Context, []json.RawMessage, map[string]json.RawMessage) (json.RawMessage, error)); ok {
			actions[name] = ActionFunc(fn)
			continue
		}
		if fn, ok := bound.(func(context.Context, <-chan struct{}) error); ok {
			loops[name] = LoopFunc(fn)
		}
	}
	return actions, loops
}
