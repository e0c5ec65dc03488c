// Package grpcmw is an ergonomic gRPC framework layered over
// google.golang.org/grpc. It provides a uniform programming model for the
// four gRPC call patterns (unary, server-streaming, client-streaming,
// bidirectional-streaming) on both the server and client side, with
// first-class cancellation, deadlines, metadata exchange, structured
// errors, and a composable middleware chain that can observe and transform
// every stage of a call.
//
// # Architecture
//
// A [Server] registers handlers for service methods described by a
// [ServiceDescriptor], wraps every call in a [Middleware] chain, and
// dispatches inbound RPCs received on an underlying *grpc.Server. A
// [Channel] wraps a grpc.ClientConnInterface (typically a *grpc.ClientConn)
// and a [Client] built on top of it drives outbound RPCs, surfacing
// headers, trailers and errors to the caller.
//
// All four call kinds are carried, on the wire, as gRPC streams: a
// pass-through codec (internal/wire) hands grpc-go opaque byte frames and
// lets this package's own pluggable [Codec] own marshaling, keeping the
// core codec-agnostic independent of grpc-go's global codec registry.
//
// # Cancellation
//
// Every call has exactly one [Signal]: an edge-triggered, latched
// cancellation notification, derived from (but distinct from) the
// request's context.Context, so that middleware such as the terminator
// (see [Terminator.Terminate]) can force-abort a call independent of the underlying
// RPC context.
//
// # Errors
//
// Handlers return ordinary Go errors. A [*ServerError] carries a [Status]
// and details and is translated into a gRPC trailer; a [*CodecError] is
// translated to status INTERNAL; any other error (cancellation aside) is
// translated to status UNKNOWN with a sanitized message and reported to
// the server's local error hook. On the client, a non-OK trailer surfaces
// as a [*ClientError].
package grpcmw
