package grpcmw

import (
	"context"
	"time"
)

// CallOptions configures a single client call: outgoing metadata, header
// and trailer callbacks, an external cancellation Signal, and a deadline.
type CallOptions struct {
	// Metadata is merged into the call's outgoing request metadata.
	Metadata *Metadata
	// OnHeader, if set, is invoked exactly once with the response header
	// metadata, strictly before any response is observable and strictly
	// before OnTrailer.
	OnHeader func(*Metadata)
	// OnTrailer, if set, is invoked exactly once with the response
	// trailer metadata, after the call has finished (successfully or
	// not).
	OnTrailer func(*Metadata)
	// Signal, if set, aborts the call when it fires: the transport call
	// is cancelled, the request producer's cleanup path runs, and an
	// *AbortError is raised to the consumer.
	Signal *Signal
	// Deadline, if non-zero, bounds the call's total duration.
	Deadline time.Time
}

// apply merges o into a freshly derived context/cancel pair, wiring the
// deadline and external Signal (if any). The returned cancel must always
// be called once the call completes, to release the deadline timer and
// detach the signal watcher.
func (o *CallOptions) apply(ctx context.Context) (context.Context, context.CancelFunc) {
	var ctx2 context.Context
	var cancel context.CancelFunc
	if o != nil && !o.Deadline.IsZero() {
		ctx2, cancel = context.WithDeadline(ctx, o.Deadline)
	} else {
		ctx2, cancel = context.WithCancel(ctx)
	}
	// context.CancelFunc is safe to call more than once, so the signal
	// handler can invoke it directly with no extra bookkeeping.
	if o != nil && o.Signal != nil {
		ctxCancel := cancel
		detach := o.Signal.OnAbortDetachable(func(error) { ctxCancel() })
		cancel = func() {
			detach()
			ctxCancel()
		}
	}
	return ctx2, cancel
}

func (o *CallOptions) metadata() *Metadata {
	if o == nil || o.Metadata == nil {
		return NewMetadata()
	}
	return o.Metadata
}

func (o *CallOptions) onHeader(md *Metadata) {
	if o != nil && o.OnHeader != nil {
		o.OnHeader(md)
	}
}

func (o *CallOptions) onTrailer(md *Metadata) {
	if o != nil && o.OnTrailer != nil {
		o.OnTrailer(md)
	}
}

func (o *CallOptions) signal() *Signal {
	if o == nil {
		return nil
	}
	return o.Signal
}
