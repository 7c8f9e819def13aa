package coachtools

import "context"

type userIDKey struct{}

// WithUserID binds the authenticated user id to the context so tools running
// inside a turn can scope their data access. The orchestrator threads the
// turn's context through to every tool call unchanged.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFrom extracts the bound user id, if any.
func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey{}).(string)
	return id, ok && id != ""
}
