package breaker

import "context"

type heldKey struct{}

// Holding returns a context recording that the caller passed Check for key
// and will report the outcome itself.  Work nested under that caller, such
// as an on-demand rotation inside a sync, must not take a second trial for
// the same key.
func Holding(ctx context.Context, key Key) context.Context {
	return context.WithValue(ctx, heldKey{}, key)
}

// Held reports whether ctx was marked by Holding for key.
func Held(ctx context.Context, key Key) bool {
	k, ok := ctx.Value(heldKey{}).(Key)
	return ok && k == key
}
