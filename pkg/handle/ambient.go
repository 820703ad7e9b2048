package handle

import (
	"context"

	"github.com/fluxorio/exchange/pkg/exchange"
)

// Go has no fiber/task-local storage, so the "ambient exchange" the design
// notes describe is carried explicitly through context.Context rather than
// looked up implicitly (per the design note on ambient context lookup).
type ambientClientKey struct{}

// WithClient attaches client to ctx so ambient RemoteHandles constructed (or
// invoked) downstream can resolve it without it being passed explicitly.
func WithClient(ctx context.Context, client *exchange.Client) context.Context {
	return context.WithValue(ctx, ambientClientKey{}, client)
}

// ClientFromContext retrieves a client previously attached with WithClient.
func ClientFromContext(ctx context.Context) (*exchange.Client, bool) {
	c, ok := ctx.Value(ambientClientKey{}).(*exchange.Client)
	return c, ok
}
