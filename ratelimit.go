package grpcmw

import (
	"github.com/joeycumines/go-catrate"
)

// Categorize derives a rate-limit bucket key from an in-flight call,
// before the request has been delegated to the handler. Calls sharing an
// equal (as a map key) category share a budget.
type Categorize func(ctx *CallContext, call *Call) any

// RateLimit returns a Middleware that rejects a call with
// codes.ResourceExhausted once limiter's budget for its category is
// spent. limiter is shared across every call the middleware handles, so
// wiring the same *catrate.Limiter into several Server.Use calls (or
// several servers) shares one budget between them.
func RateLimit(limiter *catrate.Limiter, categorize Categorize) Middleware {
	if limiter == nil {
		panic("grpcmw: RateLimit called with nil limiter")
	}
	if categorize == nil {
		panic("grpcmw: RateLimit called with nil categorize")
	}
	return func(call *Call, ctx *CallContext, emit EmitFunc) error {
		category := categorize(ctx, call)
		if _, ok := limiter.Allow(category); !ok {
			return NewServerError(ResourceExhausted, "rate limit exceeded")
		}
		return call.Next(ctx, emit)
	}
}

// CategorizeByMethod is a Categorize using the call's full method name as
// the rate-limit bucket, the common case of "N calls per method per
// window".
func CategorizeByMethod(_ *CallContext, call *Call) any { return call.FullMethod }

// CategorizeByPeer is a Categorize using the caller's peer address as the
// rate-limit bucket, for per-client throttling.
func CategorizeByPeer(ctx *CallContext, _ *Call) any { return ctx.Peer() }
