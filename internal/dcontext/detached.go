package dcontext

import "context"

// DetachedContext returns a context that keeps the values of ctx (logger,
// request id) but is never canceled. Cleanup of staged upload data uses it
// after a client has gone away.
func DetachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
