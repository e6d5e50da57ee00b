package interceptor

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Registry runs at most one in-flight operation per key.  Callers arriving
// while an operation for their key runs wait for it and share its result;
// the entry is dropped as soon as the operation returns, success or not.
type Registry[T any] struct {
	group singleflight.Group
}

// GetOrStart returns the result of the in-flight operation for key, starting
// factory when there is none.  shared reports whether the result was also
// handed to other callers.  A caller whose ctx ends stops waiting; the
// operation itself keeps running for the others.
func (r *Registry[T]) GetOrStart(ctx context.Context, key string, factory func() (T, error)) (res T, shared bool, err error) {
	ch := r.group.DoChan(key, func() (any, error) { return factory() })
	select {
	case out := <-ch:
		if v, ok := out.Val.(T); ok {
			res = v
		}
		return res, out.Shared, out.Err
	case <-ctx.Done():
		return res, false, ctx.Err()
	}
}
