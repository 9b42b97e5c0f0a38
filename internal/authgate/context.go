package authgate

import "context"

// Identity is what Middleware attaches to a request's context on success.
type Identity struct {
	Authenticated bool
	APIKey        string
	APIKeyHash    string
	IsEnvKey      bool
}

type identityCtxKey struct{}

// NewContext returns a context carrying identity.
func NewContext(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

// FromContext returns the Identity attached by Middleware, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}
