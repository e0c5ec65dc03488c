package grpcmw

import (
	"context"
	"net"
	"time"
)

// ContextDialer matches grpc.WithContextDialer's dialer signature, exposed
// here so callers can wrap it with DialWithCancel/DialWithTimeout before
// handing it to grpc.NewClient.
type ContextDialer func(ctx context.Context, addr string) (net.Conn, error)

var defaultDialer net.Dialer

// DialTCP is a ContextDialer dialing plain TCP, for use with
// DialWithCancel/DialWithTimeout or directly with grpc.WithContextDialer.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if ctx == nil {
		panic("grpcmw: DialTCP called with nil context")
	}
	return defaultDialer.DialContext(ctx, "tcp", addr)
}

var _ ContextDialer = DialTCP

// DialWithCancel wraps dialer so the returned connection attempt also
// aborts when outer is done, independent of the per-call context passed to
// the dialer at dial time. This lets a long-lived context (for example,
// one cancelled at shutdown) abort an in-flight dial.
func DialWithCancel(outer context.Context, dialer ContextDialer) ContextDialer {
	if outer == nil {
		panic("grpcmw: DialWithCancel called with nil context")
	}
	if dialer == nil {
		panic("grpcmw: DialWithCancel called with nil dialer")
	}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if outer.Err() != nil {
			return nil, context.Canceled
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(outer, cancel)()
		return dialer(ctx, addr)
	}
}

// DialWithTimeout wraps dialer to bound each dial attempt by timeout.
func DialWithTimeout(timeout time.Duration, dialer ContextDialer) ContextDialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return dialer(ctx, addr)
	}
}
