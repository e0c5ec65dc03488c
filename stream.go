package grpcmw

import (
	"context"

	istream "github.com/joeycumines/go-grpcmw/internal/stream"
)

// receiver is the shared implementation behind RequestReceiver (server
// handlers pulling client-streamed requests) and ResponseReceiver (client
// consumers pulling server-streamed responses): a lazy sequence with an
// explicit terminal value, per spec.md §9.
type receiver struct {
	q   *istream.Queue
	ctx context.Context
}

func (r *receiver) recv() (any, error) { return r.q.Recv(r.ctx) }

// RequestReceiver is the lazy sequence of request messages a
// client-streaming or bidi-streaming server handler consumes. A dedicated
// goroutine in the dispatcher decodes inbound transport frames and feeds
// them in as the handler (or an intervening middleware) pulls, so a
// handler blocked on Recv never blocks frame reception.
type RequestReceiver struct{ r receiver }

func newRequestReceiver(ctx context.Context, q *istream.Queue) *RequestReceiver {
	return &RequestReceiver{r: receiver{q: q, ctx: ctx}}
}

// Recv returns the next request message, or io.EOF once the client has
// half-closed its stream (or a different error if the call was aborted).
func (r *RequestReceiver) Recv() (any, error) { return r.r.recv() }

// ResponseReceiver is the lazy sequence of response messages a client
// consumes from a server-streaming or bidi-streaming call.
type ResponseReceiver struct{ r receiver }

func newResponseReceiver(ctx context.Context, q *istream.Queue) *ResponseReceiver {
	return &ResponseReceiver{r: receiver{q: q, ctx: ctx}}
}

// Recv returns the next response message, or io.EOF once the server has
// finished the call (check the accompanying trailer for the final
// status).
func (r *ResponseReceiver) Recv() (any, error) { return r.r.recv() }

// RequestSender is how a client pushes a client-streaming or
// bidi-streaming call's outgoing requests. A dedicated goroutine in the
// driver consumes them and writes them to the transport, decoupling the
// caller's production of requests from the transport's write backpressure.
type RequestSender struct {
	q   *istream.Queue
	ctx context.Context
}

func newRequestSender(ctx context.Context, q *istream.Queue) *RequestSender {
	return &RequestSender{q: q, ctx: ctx}
}

// Send hands msg to the driver's goroutine, blocking until that goroutine
// has taken it for writing to the transport (or the call has been
// aborted).
func (s *RequestSender) Send(msg any) error { return s.q.Send(s.ctx, msg) }

// Close half-closes the request stream (err == nil) or aborts it with err.
// The underlying request-sequence's cleanup path runs as a result, per
// spec.md §4.D.
func (s *RequestSender) Close(err error) { s.q.Close(err) }

// ResponseSender is how a server-streaming or bidi-streaming handler (or
// an enclosing middleware) emits response messages. Unlike RequestReceiver
// it is not queue-backed: Send forwards directly to the chain's EmitFunc,
// so sends are ordered and backpressured exactly like a direct transport
// write, with no extra goroutine or buffering.
type ResponseSender struct {
	emit EmitFunc
}

func newResponseSender(emit EmitFunc) *ResponseSender {
	return &ResponseSender{emit: emit}
}

// Send delivers msg downstream, blocking until accepted.
func (s *ResponseSender) Send(msg any) error { return s.emit(msg) }

// abortQueue closes q with reason, unblocking any goroutine currently
// parked in Send or Recv (spec.md §4.D's "a consumer that stops iterating
// early must cause the driver to cancel… and release resources"): Queue's
// Close unblocks a blocked Send via its internal done channel, so no
// separate drain loop is needed.
func abortQueue(q *istream.Queue, reason error) { q.Close(reason) }
