package sf

import "golang.org/x/sync/singleflight"

// Group collapses concurrent calls for the same key into one execution.
// Every caller waiting on the key receives the same value and error.
type Group[T any] struct {
	group singleflight.Group
}

// Do runs fn once per key at a time. shared reports whether the result was
// handed to more than one caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	out, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if out != nil {
		v = out.(T)
	}
	return v, shared, err
}

// Forget drops an in-flight key so the next Do starts a fresh call.
// Use it after a write that makes the pending result stale.
func (g *Group[T]) Forget(key string) { g.group.Forget(key) }

func New[T any]() *Group[T] { return &Group[T]{} }
