package grpcmw

// EmitFunc delivers one response message downstream (handler towards the
// transport). It blocks until the message has been accepted, giving the
// chain backpressure identical to a direct transport send: the innermost
// emit actually performs (or queues) the send.
type EmitFunc func(response any) error

// Next invokes the remainder of the chain: the next middleware, or the
// user handler itself if this is the last layer. ctx is the context this
// layer has chosen to hand downstream (usually the one it was called
// with, unchanged). It returns once the delegated call has produced every
// response and reached its terminal status, which Next returns as an
// error (nil for OK).
type Next func(ctx *CallContext, emit EmitFunc) error

// Call describes an in-flight RPC to a Middleware: its method descriptor,
// its (for non-client-streaming methods) single decoded request or (for
// client-streaming/bidi-streaming methods) its RequestReceiver, and Next
// to delegate to the rest of the chain.
//
// A Middleware observes and may transform the request before delegating,
// observes (and may transform, drop, or duplicate) each response as Next
// produces it, and may itself emit additional responses before or after
// delegating. This mirrors spec.md §4.C's generator-delegation model as a
// synchronous callback chain, the same shape grpc-go's own
// StreamServerInterceptor takes: middleware composition in Go is direct
// nested function calls, not coroutines.
type Call struct {
	Method     *MethodDescriptor
	FullMethod string
	Request    any
	Requests   *RequestReceiver
	Next       Next
}

// Middleware wraps call's remaining chain. Calling call.Next(ctx, emit)
// delegates to the next middleware (or, for the innermost layer, the
// handler); a Middleware that never calls Next short-circuits the chain
// (e.g. to reject a call without invoking the handler at all).
//
// Composition follows server.Use(m1).Use(m2) meaning m1 wraps m2 wraps the
// handler: m1 is the outermost layer, so its code before calling
// call.Next runs before m2's, and its code after call.Next returns runs
// after m2's — the "M's pre-delegation observations strictly before
// M+1's, post-delegation observations strictly after" ordering invariant.
type Middleware func(call *Call, ctx *CallContext, emit EmitFunc) error

// chain composes middlewares (outermost first) around innermost, the
// handler's own Next. An empty middlewares slice returns innermost
// unchanged.
func chain(middlewares []Middleware, method *MethodDescriptor, fullMethod string, request any, requests *RequestReceiver, innermost Next) Next {
	next := innermost
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		inner := next
		next = func(ctx *CallContext, emit EmitFunc) error {
			call := &Call{
				Method:     method,
				FullMethod: fullMethod,
				Request:    request,
				Requests:   requests,
				Next:       inner,
			}
			return mw(call, ctx, emit)
		}
	}
	return next
}
