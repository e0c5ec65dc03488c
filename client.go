package grpcmw

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	gmetadata "google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"

	istream "github.com/joeycumines/go-grpcmw/internal/stream"
	"github.com/joeycumines/go-grpcmw/internal/wire"
)

// Channel is a gRPC client connection, usable to build one or more
// Clients. It wraps grpc.ClientConnInterface rather than requiring a
// concrete *grpc.ClientConn, so a Channel can equally front an in-process
// transport used for testing.
type Channel struct {
	cc grpc.ClientConnInterface
}

// NewChannel wraps an existing grpc.ClientConnInterface.
func NewChannel(cc grpc.ClientConnInterface) *Channel { return &Channel{cc: cc} }

// Dial opens a Channel to target, forcing the pass-through codec this
// package requires on every call regardless of what the caller passes in
// dialOpts. Equivalent to grpc.NewClient plus that one mandatory option.
func Dial(target string, dialOpts ...grpc.DialOption) (*Channel, error) {
	opts := append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(wire.PassthroughCodec{})),
	}, dialOpts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return NewChannel(cc), nil
}

// Client issues calls for a single service over a Channel.
type Client struct {
	ch *Channel
}

// NewClient returns a Client issuing calls over ch.
func NewClient(ch *Channel) *Client { return &Client{ch: ch} }

// CallUnary performs a unary call: exactly one request, one response.
func (c *Client) CallUnary(ctx context.Context, md *MethodDescriptor, request any, opts *CallOptions) (any, error) {
	ctx, cancel := opts.apply(ctx)
	defer cancel()

	stream, err := c.newClientStream(ctx, md, opts)
	if err != nil {
		return nil, c.clientError(md, opts, err, nil)
	}

	if err := c.sendEncoded(stream, md, request); err != nil {
		return nil, c.clientError(md, opts, err, fromGRPC(stream.Trailer()))
	}
	if err := stream.CloseSend(); err != nil {
		return nil, c.clientError(md, opts, err, fromGRPC(stream.Trailer()))
	}

	resp, err := c.recvDecoded(stream, md)
	c.deliverHeaderTrailer(stream, opts)
	if err != nil {
		return nil, c.clientError(md, opts, err, fromGRPC(stream.Trailer()))
	}
	return resp, nil
}

// CallServerStream performs a server-streaming call: one request, a
// response sequence delivered via the returned ResponseReceiver.
func (c *Client) CallServerStream(ctx context.Context, md *MethodDescriptor, request any, opts *CallOptions) (*ResponseReceiver, error) {
	ctx, cancel := opts.apply(ctx)

	stream, err := c.newClientStream(ctx, md, opts)
	if err != nil {
		cancel()
		return nil, c.clientError(md, opts, err, nil)
	}
	if err := c.sendEncoded(stream, md, request); err != nil {
		cancel()
		return nil, c.clientError(md, opts, err, fromGRPC(stream.Trailer()))
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, c.clientError(md, opts, err, fromGRPC(stream.Trailer()))
	}

	q := istream.New()
	if s := opts.signal(); s != nil {
		s.OnAbort(func(reason error) { q.Close(&AbortError{Reason: reason}) })
	}
	go c.pumpResponses(ctx, stream, md, opts, q, cancel)

	return newResponseReceiver(ctx, q), nil
}

// CallClientStream performs a client-streaming call: a request sequence
// supplied via the returned RequestSender, one response.
//
// The returned func must be called exactly once to obtain the final
// response, after the caller has sent every request and called
// RequestSender.Close(nil).
func (c *Client) CallClientStream(ctx context.Context, md *MethodDescriptor, opts *CallOptions) (*RequestSender, func() (any, error), error) {
	ctx, cancel := opts.apply(ctx)

	stream, err := c.newClientStream(ctx, md, opts)
	if err != nil {
		cancel()
		return nil, nil, c.clientError(md, opts, err, nil)
	}

	q := istream.New()
	if s := opts.signal(); s != nil {
		s.OnAbort(func(reason error) { q.Close(reason) })
	}
	// pumpRequests finishing (a clean half-close) must not cancel ctx
	// itself: the response may still be in flight. await's own deferred
	// cancel owns the context's lifetime, same as CallBidiStream.
	go c.pumpRequests(ctx, stream, md, q, func() {})

	await := func() (any, error) {
		defer cancel()
		resp, err := c.recvDecoded(stream, md)
		c.deliverHeaderTrailer(stream, opts)
		if err != nil {
			return nil, c.clientError(md, opts, err, fromGRPC(stream.Trailer()))
		}
		return resp, nil
	}

	return newRequestSender(ctx, q), await, nil
}

// CallBidiStream performs a bidirectional-streaming call: an outgoing
// request sequence via the returned RequestSender, an incoming response
// sequence via the returned ResponseReceiver.
func (c *Client) CallBidiStream(ctx context.Context, md *MethodDescriptor, opts *CallOptions) (*RequestSender, *ResponseReceiver, error) {
	ctx, cancel := opts.apply(ctx)

	stream, err := c.newClientStream(ctx, md, opts)
	if err != nil {
		cancel()
		return nil, nil, c.clientError(md, opts, err, nil)
	}

	reqQ := istream.New()
	respQ := istream.New()
	if s := opts.signal(); s != nil {
		s.OnAbort(func(reason error) {
			reqQ.Close(reason)
			respQ.Close(&AbortError{Reason: reason})
		})
	}
	go c.pumpRequests(ctx, stream, md, reqQ, func() {})
	go c.pumpResponses(ctx, stream, md, opts, respQ, cancel)

	return newRequestSender(ctx, reqQ), newResponseReceiver(ctx, respQ), nil
}

func (c *Client) newClientStream(ctx context.Context, md *MethodDescriptor, opts *CallOptions) (grpc.ClientStream, error) {
	if outgoing := opts.metadata(); outgoing.Len() > 0 {
		md := outgoing.toGRPC()
		if existing, ok := gmetadata.FromOutgoingContext(ctx); ok {
			md = gmetadata.Join(existing, md)
		}
		ctx = gmetadata.NewOutgoingContext(ctx, md)
	}
	desc := &grpc.StreamDesc{
		StreamName:    md.Name,
		ClientStreams: true,
		ServerStreams: true,
	}
	return c.ch.cc.NewStream(ctx, desc, md.FullMethod)
}

func (c *Client) sendEncoded(stream grpc.ClientStream, md *MethodDescriptor, msg any) error {
	b, err := md.requestCodec().Encode(msg)
	if err != nil {
		return &CodecError{Op: "encode", Err: err}
	}
	return stream.SendMsg(&wire.Frame{Payload: b})
}

func (c *Client) recvDecoded(stream grpc.ClientStream, md *MethodDescriptor) (any, error) {
	frame := &wire.Frame{}
	if err := stream.RecvMsg(frame); err != nil {
		return nil, err
	}
	msg := md.NewResponse()
	if err := md.responseCodec().Decode(frame.Payload, msg); err != nil {
		return nil, &CodecError{Op: "decode", Err: err}
	}
	return msg, nil
}

// deliverHeaderTrailer fires opts.OnHeader/OnTrailer, in that order, once
// the stream has produced both (Header blocks until the server sends it
// or the call ends).
func (c *Client) deliverHeaderTrailer(stream grpc.ClientStream, opts *CallOptions) {
	if h, err := stream.Header(); err == nil {
		opts.onHeader(fromGRPC(h))
	}
	opts.onTrailer(fromGRPC(stream.Trailer()))
}

// pumpResponses decodes inbound frames from stream into q until the
// stream ends, then closes q with the stream's final status (nil/io.EOF
// for success). It always delivers header/trailer via opts before the
// queue closes, satisfying the "onHeader before any response is
// observable, onTrailer after the call ends" ordering guarantee.
func (c *Client) pumpResponses(ctx context.Context, stream grpc.ClientStream, md *MethodDescriptor, opts *CallOptions, q *istream.Queue, onDone func()) {
	defer onDone()
	if h, err := stream.Header(); err == nil {
		opts.onHeader(fromGRPC(h))
	}
	for {
		msg, err := c.recvDecoded(stream, md)
		if err != nil {
			trailer := fromGRPC(stream.Trailer())
			opts.onTrailer(trailer)
			if errors.Is(err, io.EOF) {
				q.Close(nil)
			} else {
				q.Close(c.clientError(md, opts, err, trailer))
			}
			return
		}
		if err := q.Send(ctx, msg); err != nil {
			return
		}
	}
}

// pumpRequests consumes q and writes each message to stream until q is
// closed, then half-closes (clean Close(nil)) or aborts the stream to
// match.
func (c *Client) pumpRequests(ctx context.Context, stream grpc.ClientStream, md *MethodDescriptor, q *istream.Queue, onDone func()) {
	defer onDone()
	for {
		v, err := q.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = stream.CloseSend()
			}
			return
		}
		if err := c.sendEncoded(stream, md, v); err != nil {
			return
		}
	}
}

// clientError wraps a non-nil transport error as a *ClientError carrying
// the status, details, and trailer metadata (trailer may be nil if none
// was fetched, e.g. a failure before the stream produced one), or as an
// *AbortError if it originates from opts' Signal or ctx's own
// cancellation.
func (c *Client) clientError(md *MethodDescriptor, opts *CallOptions, err error, trailer *Metadata) error {
	if err == nil {
		return nil
	}
	if s := opts.signal(); s != nil && s.Aborted() {
		return &AbortError{Reason: s.Reason()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{Reason: err}
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return &ClientError{Path: md.FullMethod, Status: Unknown, Details: err.Error(), Trailer: trailer}
	}
	return &ClientError{
		Path:    md.FullMethod,
		Status:  statusFromGRPC(st.Code()),
		Details: st.Message(),
		Trailer: trailer,
	}
}
