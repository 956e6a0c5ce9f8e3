package shared

import "context"

type actorContextKey struct{}

// AnonymousActor is used when no actor was supplied by the caller.
const AnonymousActor = "anonymous"

// ContextWithActor stores the acting operator identifier in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting operator from context.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	if actor == "" {
		return AnonymousActor
	}
	return actor
}
