package grpcmw

import (
	"sync"
)

// shutdownDetail is the detail used when the Terminator middleware
// replaces a handler error caused by its own shutdown signal.
const shutdownDetail = "Server shutting down"

// Terminator coordinates graceful shutdown draining: handlers opt into
// being forcibly aborted once shutdown begins, by calling
// CallContext.AbortOnTerminate (installed by the Terminator middleware),
// so long-lived streams don't block Server.Shutdown forever.
//
// The zero value is not usable; construct with NewTerminator.
type Terminator struct {
	mu          sync.Mutex
	controllers map[*signalController]struct{}
	terminated  bool
}

// NewTerminator returns an empty, not-yet-terminated Terminator.
func NewTerminator() *Terminator {
	return &Terminator{controllers: make(map[*signalController]struct{})}
}

// register adds c to the process-wide set iff Terminate has not yet run,
// returning false otherwise; AbortOnTerminate then aborts c immediately —
// the "calls that register after terminate will abort immediately"
// invariant.
func (t *Terminator) register(c *signalController) bool {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return false
	}
	t.controllers[c] = struct{}{}
	t.mu.Unlock()
	return true
}

// unregister removes c from the set, a no-op if c is already absent (for
// example because Terminate already drained it).
func (t *Terminator) unregister(c *signalController) {
	t.mu.Lock()
	delete(t.controllers, c)
	t.mu.Unlock()
}

// Terminate aborts every currently registered controller and empties the
// set, then latches so every future registration attempt fails (and the
// caller aborts immediately instead). Idempotent: a second call is a
// no-op and affects nothing beyond the set present at the first call.
func (t *Terminator) Terminate() {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return
	}
	t.terminated = true
	controllers := t.controllers
	t.controllers = make(map[*signalController]struct{})
	t.mu.Unlock()

	reason := NewServerError(Unavailable, shutdownDetail)
	for c := range controllers {
		c.Abort(reason)
	}
}

// Middleware returns the Terminator middleware: it derives an inner
// signal from the call's outer signal, extends the CallContext with
// AbortOnTerminate support, and on handler error caused by its own
// shutdown abort (inner aborted, outer not), replaces the error with
// ServerError(Unavailable, "Server shutting down").
func (t *Terminator) Middleware() Middleware {
	return func(call *Call, ctx *CallContext, emit EmitFunc) error {
		outer := ctx.Signal()
		inner := newSignal()
		controller := &signalController{signal: inner}

		var detach func()
		if outer != nil {
			// Forward outer aborts into inner; detach unconditionally on
			// exit so the listener never outlives the call (spec.md §4.E
			// "leaking the forward listener… would be a memory-leak bug").
			detach = outer.OnAbortDetachable(func(reason error) { inner.abort(reason) })
		}

		innerCtx := ctx.withContext(ctx.Context(), inner)
		innerCtx.setExtension(extKeyTerminator, &terminatorHandle{t: t, controller: controller})

		err := call.Next(innerCtx, emit)

		t.unregister(controller)
		if detach != nil {
			detach()
		}

		if err != nil && inner.Aborted() && (outer == nil || !outer.Aborted()) {
			return NewServerError(Unavailable, shutdownDetail)
		}
		return err
	}
}

const extKeyTerminator = "grpcmw.terminator"

// terminatorHandle is stashed in the CallContext's extension slots by
// Terminator.Middleware so AbortOnTerminate can reach the right
// Terminator/controller pair without a package-level global.
type terminatorHandle struct {
	t          *Terminator
	controller *signalController
}

// AbortOnTerminate registers ctx's call for forced abort on the next
// Terminate call, or aborts it immediately if Terminate has already run.
// It is a no-op if the Terminator middleware was not installed on this
// call's chain.
func (c *CallContext) AbortOnTerminate() {
	v, ok := c.extension(extKeyTerminator)
	if !ok {
		return
	}
	h := v.(*terminatorHandle)
	if !h.t.register(h.controller) {
		h.controller.Abort(NewServerError(Unavailable, shutdownDetail))
	}
}
