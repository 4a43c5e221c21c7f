package types

import "context"

type sessionKeyCtx struct{}

// WithSessionID returns a context carrying the session a turn runs in.
func WithSessionID(ctx context.Context, id SessionID) context.Context {
	return context.WithValue(ctx, sessionKeyCtx{}, id)
}

// SessionIDFrom returns the session stored by WithSessionID.
func SessionIDFrom(ctx context.Context) (SessionID, bool) {
	id, ok := ctx.Value(sessionKeyCtx{}).(SessionID)
	return id, ok && id != ""
}
