package service

import "context"

// Caller identifies who is acting, for event and audit attribution
type Caller struct {
	Actor         string
	CorrelationID string
}

type callerKey struct{}

// WithCaller returns ctx carrying c
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx, or the zero Caller
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}
