package grpcmw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	gmetadata "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	istream "github.com/joeycumines/go-grpcmw/internal/stream"
	"github.com/joeycumines/go-grpcmw/internal/wire"
)

// Server is the RPC dispatcher: it owns a *grpc.Server, a registry of
// service descriptors/implementations, and a single ordered middleware
// chain applied to every call, regardless of method kind.
//
// Construct with NewServer, register services with Add, then Listen,
// ListenAndServe, or Serve. The zero value is not usable.
type Server struct {
	grpcServer *grpc.Server

	mu          sync.Mutex
	middlewares []Middleware
	services    map[string]*registeredService
	errorHook   ErrorHook
	terminator  *Terminator
	grpcOpts    []grpc.ServerOption
}

type registeredService struct {
	desc *ServiceDescriptor
	impl *ServiceImplementation
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithGRPCOptions passes additional grpc.ServerOption values to the
// underlying grpc.NewServer call, for transport-level concerns this
// package does not wrap (TLS credentials, keepalive policy, and so on).
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(s *Server) { s.grpcOpts = append(s.grpcOpts, opts...) }
}

// WithErrorHook installs hook to observe errors the dispatcher could not
// attribute to a *ServerError. Without this option, such errors are
// silently reported to the peer as codes.Unknown with no detail.
func WithErrorHook(hook ErrorHook) ServerOption {
	return func(s *Server) { s.errorHook = hook }
}

// WithTerminator wires t into the server: Shutdown calls t.Terminate()
// as part of graceful shutdown. It does not install t.Middleware() on
// the chain — add that explicitly via WithMiddleware(t.Middleware())
// (or Use) for the handlers that should opt into forced drain.
func WithTerminator(t *Terminator) ServerOption {
	return func(s *Server) { s.terminator = t }
}

// WithMiddleware appends middlewares to the server's chain, outermost
// first, in the order given (and before any later Use calls).
func WithMiddleware(middlewares ...Middleware) ServerOption {
	return func(s *Server) { s.middlewares = append(s.middlewares, middlewares...) }
}

// NewServer constructs a Server, ready for Add and then Listen/Serve.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{services: make(map[string]*registeredService)}
	for _, opt := range opts {
		opt(s)
	}
	grpcOpts := append([]grpc.ServerOption{grpc.ForceServerCodec(wire.PassthroughCodec{})}, s.grpcOpts...)
	s.grpcServer = grpc.NewServer(grpcOpts...)
	return s
}

// Use appends mw to the server's middleware chain and returns s, so
// calls can be chained: server.Use(m1).Use(m2).
func (s *Server) Use(mw Middleware) *Server {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
	return s
}

// Terminator returns the Terminator wired via WithTerminator, or nil.
func (s *Server) Terminator() *Terminator { return s.terminator }

// Add registers a service's descriptor and implementation. It panics if
// the service name is already registered, or if any method lacks a
// handler of the kind its ClientStreams/ServerStreams flags require —
// registration errors are programming errors, caught at startup.
func (s *Server) Add(desc *ServiceDescriptor, impl *ServiceImplementation) {
	if desc == nil {
		panic("grpcmw: Add called with nil ServiceDescriptor")
	}
	if impl == nil {
		panic("grpcmw: Add called with nil ServiceImplementation")
	}
	s.mu.Lock()
	if _, ok := s.services[desc.ServiceName]; ok {
		s.mu.Unlock()
		panic(fmt.Sprintf("grpcmw: service %q already registered", desc.ServiceName))
	}
	s.services[desc.ServiceName] = &registeredService{desc: desc, impl: impl}
	s.mu.Unlock()

	streams := make([]grpc.StreamDesc, 0, len(desc.Methods))
	for name, md := range desc.Methods {
		if md.Name == "" {
			md.Name = name
		}
		if md.FullMethod == "" {
			md.FullMethod = "/" + desc.ServiceName + "/" + md.Name
		}
		if err := validateMethodImpl(md, impl); err != nil {
			panic(fmt.Sprintf("grpcmw: service %q method %q: %s", desc.ServiceName, md.Name, err))
		}
		streams = append(streams, grpc.StreamDesc{
			StreamName:    md.Name,
			Handler:       s.streamHandler(desc.ServiceName, md, impl),
			ServerStreams: md.ServerStreams,
			ClientStreams: md.ClientStreams,
		})
	}

	s.grpcServer.RegisterService(&grpc.ServiceDesc{
		ServiceName: desc.ServiceName,
		HandlerType: (*any)(nil),
		Streams:     streams,
		Metadata:    desc.ServiceName,
	}, impl)
}

func validateMethodImpl(md *MethodDescriptor, impl *ServiceImplementation) error {
	switch {
	case !md.ClientStreams && !md.ServerStreams:
		if _, ok := impl.Unary[md.Name]; !ok {
			return errors.New("missing UnaryHandler")
		}
	case !md.ClientStreams && md.ServerStreams:
		if _, ok := impl.ServerStream[md.Name]; !ok {
			return errors.New("missing ServerStreamHandler")
		}
	case md.ClientStreams && !md.ServerStreams:
		if _, ok := impl.ClientStream[md.Name]; !ok {
			return errors.New("missing ClientStreamHandler")
		}
	default:
		if _, ok := impl.BidiStream[md.Name]; !ok {
			return errors.New("missing BidiStreamHandler")
		}
	}
	return nil
}

// streamHandler returns the grpc.StreamHandler bound to one method: it
// owns the full per-call lifecycle (decode, CallContext, middleware
// chain, encode, trailer, status mapping).
func (s *Server) streamHandler(serviceName string, md *MethodDescriptor, impl *ServiceImplementation) func(srv any, stream grpc.ServerStream) error {
	return func(_ any, stream grpc.ServerStream) error {
		return s.dispatch(stream, md, impl)
	}
}

func (s *Server) dispatch(stream grpc.ServerStream, md *MethodDescriptor, impl *ServiceImplementation) error {
	ctx := stream.Context()

	signal, detachSignal := deriveSignal(ctx)
	defer detachSignal()

	var peerAddr string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		peerAddr = p.Addr.String()
	}

	incoming := fromGRPC(metadataFromIncoming(ctx))

	callCtx := newCallContext(ctx, incoming, peerAddr, md.FullMethod, md, signal, func(h *Metadata) error {
		return stream.SendHeader(h.toGRPC())
	})

	emit := func(msg any) error {
		if err := callCtx.SendHeader(); err != nil {
			return err
		}
		b, err := md.responseCodec().Encode(msg)
		if err != nil {
			return &CodecError{Op: "encode", Err: err}
		}
		return stream.SendMsg(&wire.Frame{Payload: b})
	}

	var request any
	var requests *RequestReceiver
	if md.ClientStreams {
		q := istream.New()
		requests = newRequestReceiver(ctx, q)
		signal.OnAbort(func(reason error) { q.Close(reason) })
		go pumpInboundRequests(stream, md, q)
	} else {
		frame := &wire.Frame{}
		if err := stream.RecvMsg(frame); err != nil {
			return translateRecvError(err)
		}
		reqMsg := md.NewRequest()
		if err := md.requestCodec().Decode(frame.Payload, reqMsg); err != nil {
			return status.Error(codes.Internal, (&CodecError{Op: "decode", Err: err}).Error())
		}
		request = reqMsg
	}

	innermost := s.innermostHandler(md, impl, request, requests)

	s.mu.Lock()
	middlewares := append([]Middleware(nil), s.middlewares...)
	s.mu.Unlock()

	composed := chain(middlewares, md, md.FullMethod, request, requests, innermost)

	err := composed(callCtx, emit)

	// A handler that writes to ctx.Header() but emits no responses (or
	// none yet when it errors) never goes through emit's implicit send;
	// flush it here so clean completion still delivers the header.
	if sendErr := callCtx.SendHeader(); sendErr != nil && err == nil {
		err = sendErr
	}

	if callCtx.Trailer().Len() > 0 {
		stream.SetTrailer(callCtx.Trailer().toGRPC())
	}

	return s.finalStatus(callCtx, err)
}

func (s *Server) innermostHandler(md *MethodDescriptor, impl *ServiceImplementation, request any, requests *RequestReceiver) Next {
	switch {
	case !md.ClientStreams && !md.ServerStreams:
		handler := impl.Unary[md.Name]
		return func(ctx *CallContext, emit EmitFunc) error {
			resp, err := handler(ctx, request)
			if err != nil {
				return err
			}
			return emit(resp)
		}
	case !md.ClientStreams && md.ServerStreams:
		handler := impl.ServerStream[md.Name]
		return func(ctx *CallContext, emit EmitFunc) error {
			return handler(ctx, request, newResponseSender(emit))
		}
	case md.ClientStreams && !md.ServerStreams:
		handler := impl.ClientStream[md.Name]
		return func(ctx *CallContext, emit EmitFunc) error {
			resp, err := handler(ctx, requests)
			if err != nil {
				return err
			}
			return emit(resp)
		}
	default:
		handler := impl.BidiStream[md.Name]
		return func(ctx *CallContext, emit EmitFunc) error {
			return handler(ctx, requests, newResponseSender(emit))
		}
	}
}

func (s *Server) finalStatus(ctx *CallContext, err error) error {
	if err == nil {
		return nil
	}
	var se *ServerError
	if errors.As(err, &se) {
		return status.Error(se.Status.toGRPC(), se.Details)
	}
	var ce *CodecError
	if errors.As(err, &ce) {
		return status.Error(codes.Internal, ce.Error())
	}
	if ctx.Signal().Aborted() && errors.Is(ctx.Context().Err(), context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, "context canceled")
	}
	if s.errorHook != nil {
		s.errorHook(ctx, err)
	}
	return status.Error(codes.Unknown, "")
}

// pumpInboundRequests decodes inbound frames from stream and feeds them
// into q, running on its own goroutine so a handler blocked in
// RequestReceiver.Recv never blocks frame reception (spec.md §5's
// "awaiting the next inbound frame" suspension point).
func pumpInboundRequests(stream grpc.ServerStream, md *MethodDescriptor, q *istream.Queue) {
	ctx := stream.Context()
	for {
		frame := &wire.Frame{}
		if err := stream.RecvMsg(frame); err != nil {
			if err == io.EOF {
				q.Close(nil)
			} else {
				q.Close(err)
			}
			return
		}
		msg := md.NewRequest()
		if err := md.requestCodec().Decode(frame.Payload, msg); err != nil {
			q.Close(&CodecError{Op: "decode", Err: err})
			return
		}
		if err := q.Send(ctx, msg); err != nil {
			return
		}
	}
}

func translateRecvError(err error) error {
	if err == io.EOF {
		return status.Error(codes.InvalidArgument, "client closed stream before sending a request")
	}
	return err
}

func metadataFromIncoming(ctx context.Context) gmetadata.MD {
	md, _ := gmetadata.FromIncomingContext(ctx)
	return md
}

// Listen opens a TCP listener on addr, for use with Serve.
func (s *Server) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// ListenAndServe opens a TCP listener on addr and serves on it until
// Shutdown/ForceShutdown is called or an unrecoverable transport error
// occurs.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := s.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Shutdown/ForceShutdown.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Shutdown drains in-flight calls gracefully: if a Terminator is wired
// (WithTerminator), it is terminated first, forcing any opted-in handler
// to unblock; then grpc.Server.GracefulStop waits for every call to
// finish. If ctx is done before that completes, Shutdown falls back to
// ForceShutdown. Calling Shutdown more than once is indistinguishable
// from calling it once.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.terminator != nil {
		s.terminator.Terminate()
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.ForceShutdown()
		return ctx.Err()
	}
}

// ForceShutdown tears down the server immediately, aborting every
// in-flight call.
func (s *Server) ForceShutdown() { s.grpcServer.Stop() }
