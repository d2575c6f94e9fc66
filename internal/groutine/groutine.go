// Package groutine starts named goroutines. Names surface as pprof labels,
// which keeps long-lived workers (queue lanes, reconnect attempts, session
// monitors) identifiable in profiles and goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey struct{}

// Go starts fn on its own goroutine under the given name. A nil parent
// context is replaced with context.Background(). The name is attached as a
// pprof label and to the context handed to fn.
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parent, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Name retrieves the goroutine name from a context produced by Go.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(ctxKey{}).(string); ok {
		return s
	}
	return ""
}
