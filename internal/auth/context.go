// Package auth carries the request actor through contexts. Token
// verification happens upstream at the gateway; this package only transports
// the already-extracted identity down to the audit trail.
package auth

import (
	"context"

	"github.com/tgnichols/schemabase/internal/domain"
)

type contextKey string

const actorKey contextKey = "actor"

// ContextWithActor returns a new context carrying the request actor.
func ContextWithActor(ctx context.Context, actor domain.Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the request actor, if any. An anonymous actor
// (all fields nil) is returned when the context carries none.
func ActorFromContext(ctx context.Context) domain.Actor {
	if ctx == nil {
		return domain.Actor{}
	}
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	if !ok {
		return domain.Actor{}
	}
	return actor
}
