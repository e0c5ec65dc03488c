package grpcmw

import (
	"context"
	"sync"
)

// CallContext is the per-call bag of state visible to a server handler and
// every middleware in its chain: incoming metadata, outgoing header and
// trailer, the call's cancellation Signal, peer address, and a set of
// named extension slots middleware can use to pass data downstream.
//
// A CallContext is not safe for concurrent mutation of Header/Trailer
// from multiple goroutines beyond the single call's own handler/middleware
// goroutine, except where documented (SendHeader, extensions).
type CallContext struct {
	ctx        context.Context
	metadataIn *Metadata
	header     *Metadata
	trailer    *Metadata
	signal     *Signal
	peer       string
	method     *MethodDescriptor
	fullMethod string

	extMu sync.Mutex
	ext   map[string]any

	sendHeaderOnce sync.Once
	sendHeaderErr  error
	sendHeaderFn   func(*Metadata) error
	sentMu         sync.Mutex
	sent           bool
}

func newCallContext(ctx context.Context, incoming *Metadata, peer, fullMethod string, method *MethodDescriptor, signal *Signal, sendHeaderFn func(*Metadata) error) *CallContext {
	return &CallContext{
		ctx:          ctx,
		metadataIn:   incoming,
		header:       NewMetadata(),
		trailer:      NewMetadata(),
		signal:       signal,
		peer:         peer,
		method:       method,
		fullMethod:   fullMethod,
		sendHeaderFn: sendHeaderFn,
	}
}

// Context returns the call's underlying context.Context, carrying
// cancellation and deadline from the transport.
func (c *CallContext) Context() context.Context { return c.ctx }

// Metadata returns the incoming request metadata. It is conceptually
// frozen: mutating it has no effect on the peer, which has already sent
// it.
func (c *CallContext) Metadata() *Metadata { return c.metadataIn }

// Header returns the outgoing response-header metadata. It is mutable
// until SendHeader has been called (directly, or implicitly by the
// dispatcher before the first response frame); mutating it afterwards has
// no effect on what was already sent.
func (c *CallContext) Header() *Metadata { return c.header }

// Trailer returns the outgoing response-trailer metadata, mutable until
// the call ends (including from within a handler after it has returned a
// *ServerError, or until just before the dispatcher sends the trailer).
func (c *CallContext) Trailer() *Metadata { return c.trailer }

// Signal returns the call's cancellation Signal: aborted by peer
// cancellation, deadline, or (if the terminator middleware is installed)
// local shutdown.
func (c *CallContext) Signal() *Signal { return c.signal }

// Peer returns the textual peer address.
func (c *CallContext) Peer() string { return c.peer }

// Method returns the method descriptor for this call.
func (c *CallContext) Method() *MethodDescriptor { return c.method }

// FullMethod returns the canonical "/package.Service/Method" path.
func (c *CallContext) FullMethod() string { return c.fullMethod }

// SendHeader flushes the current Header metadata to the transport. It is
// idempotent: only the first call has any effect, and every call
// (including implicit sends performed by the dispatcher before the first
// response frame) observes the same result.
func (c *CallContext) SendHeader() error {
	c.sendHeaderOnce.Do(func() {
		c.sentMu.Lock()
		c.sent = true
		c.sentMu.Unlock()
		c.sendHeaderErr = c.sendHeaderFn(c.header)
	})
	return c.sendHeaderErr
}

// headerSent reports whether SendHeader has already run, without
// triggering it.
func (c *CallContext) headerSent() bool {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	return c.sent
}

// withContext returns a shallow copy of c with its context.Context and
// Signal replaced, used by middleware that overrides the downstream
// context (spec.md §4.C "context override"). Header, trailer, peer, and
// method are shared with the original — they refer to the same call — and
// the copy's SendHeader goes through the original's, so the header is
// still sent at most once. Extension slots are copied by reference to the
// original's map: if the original holds no slot yet, slots set on the copy
// are not visible through the original.
func (c *CallContext) withContext(ctx context.Context, signal *Signal) *CallContext {
	cp := *c
	cp.ctx = ctx
	cp.signal = signal
	cp.sendHeaderFn = func(*Metadata) error { return c.SendHeader() }
	return &cp
}

// extension returns a named extension slot's value, and whether it was
// set.
func (c *CallContext) extension(key string) (any, bool) {
	c.extMu.Lock()
	defer c.extMu.Unlock()
	v, ok := c.ext[key]
	return v, ok
}

// setExtension attaches a named extension slot's value, for downstream
// middleware and the handler to observe via extension/Extension.
func (c *CallContext) setExtension(key string, value any) {
	c.extMu.Lock()
	defer c.extMu.Unlock()
	if c.ext == nil {
		c.ext = make(map[string]any)
	}
	c.ext[key] = value
}

// Extension returns a named extension slot's value, and whether it was
// set. Middleware attaches extensions via SetExtension; this lets
// downstream middleware and handlers read them without a bespoke context
// key per extension.
func (c *CallContext) Extension(key string) (any, bool) { return c.extension(key) }

// SetExtension attaches a named extension slot's value, visible to every
// downstream middleware and the handler via Extension.
func (c *CallContext) SetExtension(key string, value any) { c.setExtension(key, value) }
