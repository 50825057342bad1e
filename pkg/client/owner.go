package client

import "context"

type callerKey struct{}

// WithOwner binds a caller identity to ctx. Acquires made with contexts
// carrying the same id belong to the same owner and are reentrant.
func WithOwner(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// caller id bound to ctx, empty if none
func OwnerFrom(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}
