// Package audit carries the acting identity of a request through context so
// every ledger and history row can record who caused it.
package audit

import "context"

type actorKey struct{}

// WithActor returns a context carrying the acting identity.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the acting identity, if any.
func Actor(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(actorKey{}).(string)
	return a, ok && a != ""
}

// ActorOr returns the acting identity or fallback when none is set.
func ActorOr(ctx context.Context, fallback string) string {
	if a, ok := Actor(ctx); ok {
		return a
	}
	return fallback
}
