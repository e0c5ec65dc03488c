package grpcmw_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	catrate "github.com/joeycumines/go-catrate"
	grpcmw "github.com/joeycumines/go-grpcmw"
)

type echoRequest struct{ Text string }
type echoResponse struct{ Text string }

func echoMethod(name string, clientStreams, serverStreams bool) *grpcmw.MethodDescriptor {
	return &grpcmw.MethodDescriptor{
		Name:          name,
		ClientStreams: clientStreams,
		ServerStreams: serverStreams,
		RequestCodec:  grpcmw.JSONCodec{},
		ResponseCodec: grpcmw.JSONCodec{},
		NewRequest:    func() any { return &echoRequest{} },
		NewResponse:   func() any { return &echoResponse{} },
	}
}

// newLoopback starts a grpcmw.Server on a loopback listener with the
// given options/services wired in, and returns a dialed *grpcmw.Client
// bound to a Channel to it, plus a shutdown func.
func newLoopback(t *testing.T, configure func(s *grpcmw.Server)) (*grpcmw.Client, func()) {
	t.Helper()
	server := grpcmw.NewServer()
	configure(server)

	lis, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() { _ = server.Serve(lis) }()

	ch, err := grpcmw.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client := grpcmw.NewClient(ch)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	return client, shutdown
}

func TestIntegration_Unary(t *testing.T) {
	md := echoMethod("Echo", false, false)
	client, shutdown := newLoopback(t, func(s *grpcmw.Server) {
		s.Add(&grpcmw.ServiceDescriptor{
			ServiceName: "test.Echo",
			Methods:     map[string]*grpcmw.MethodDescriptor{"Echo": md},
		}, &grpcmw.ServiceImplementation{
			Unary: map[string]grpcmw.UnaryHandler{
				"Echo": func(ctx *grpcmw.CallContext, request any) (any, error) {
					req := request.(*echoRequest)
					return &echoResponse{Text: "echo:" + req.Text}, nil
				},
			},
		})
	})
	defer shutdown()

	resp, err := client.CallUnary(context.Background(), md, &echoRequest{Text: "hi"}, nil)
	if err != nil {
		t.Fatalf("CallUnary: %v", err)
	}
	got := resp.(*echoResponse)
	if got.Text != "echo:hi" {
		t.Fatalf("got %q, want echo:hi", got.Text)
	}
}

func TestIntegration_UnaryServerError(t *testing.T) {
	md := echoMethod("Fail", false, false)
	client, shutdown := newLoopback(t, func(s *grpcmw.Server) {
		s.Add(&grpcmw.ServiceDescriptor{
			ServiceName: "test.Fail",
			Methods:     map[string]*grpcmw.MethodDescriptor{"Fail": md},
		}, &grpcmw.ServiceImplementation{
			Unary: map[string]grpcmw.UnaryHandler{
				"Fail": func(ctx *grpcmw.CallContext, request any) (any, error) {
					ctx.Trailer().Set("x-reason", "bad-input")
					return nil, grpcmw.NewServerError(grpcmw.InvalidArgument, "widget id required")
				},
			},
		})
	})
	defer shutdown()

	var gotTrailer *grpcmw.Metadata
	_, err := client.CallUnary(context.Background(), md, &echoRequest{}, &grpcmw.CallOptions{
		OnTrailer: func(m *grpcmw.Metadata) { gotTrailer = m },
	})
	if err == nil {
		t.Fatal("expected error")
	}
	ce, ok := err.(*grpcmw.ClientError)
	if !ok || ce.Status != grpcmw.InvalidArgument {
		t.Fatalf("err = %v, want ClientError(InvalidArgument)", err)
	}
	if gotTrailer == nil || !gotTrailer.Has("x-reason") {
		t.Fatalf("trailer not delivered: %v", gotTrailer)
	}
	if ce.Trailer == nil || !ce.Trailer.Has("x-reason") {
		t.Fatalf("ClientError.Trailer = %v, want the same trailer carried by the error itself", ce.Trailer)
	}
}

func TestIntegration_ServerStreamHeaderOnCleanCompletion(t *testing.T) {
	md := echoMethod("Empty", false, true)
	client, shutdown := newLoopback(t, func(s *grpcmw.Server) {
		s.Add(&grpcmw.ServiceDescriptor{
			ServiceName: "test.Empty",
			Methods:     map[string]*grpcmw.MethodDescriptor{"Empty": md},
		}, &grpcmw.ServiceImplementation{
			ServerStream: map[string]grpcmw.ServerStreamHandler{
				"Empty": func(ctx *grpcmw.CallContext, request any, resp *grpcmw.ResponseSender) error {
					ctx.Header().Set("x-greeting", "hello")
					return nil
				},
			},
		})
	})
	defer shutdown()

	var gotHeader *grpcmw.Metadata
	rr, err := client.CallServerStream(context.Background(), md, &echoRequest{}, &grpcmw.CallOptions{
		OnHeader: func(m *grpcmw.Metadata) { gotHeader = m },
	})
	if err != nil {
		t.Fatalf("CallServerStream: %v", err)
	}
	if _, err := rr.Recv(); err == nil {
		t.Fatal("expected immediate end of stream")
	}
	if gotHeader == nil || !gotHeader.Has("x-greeting") {
		t.Fatalf("header not flushed on clean completion with zero responses: %v", gotHeader)
	}
}

func TestIntegration_ServerStream(t *testing.T) {
	md := echoMethod("Count", false, true)
	client, shutdown := newLoopback(t, func(s *grpcmw.Server) {
		s.Add(&grpcmw.ServiceDescriptor{
			ServiceName: "test.Count",
			Methods:     map[string]*grpcmw.MethodDescriptor{"Count": md},
		}, &grpcmw.ServiceImplementation{
			ServerStream: map[string]grpcmw.ServerStreamHandler{
				"Count": func(ctx *grpcmw.CallContext, request any, resp *grpcmw.ResponseSender) error {
					req := request.(*echoRequest)
					for i := 0; i < 3; i++ {
						if err := resp.Send(&echoResponse{Text: req.Text}); err != nil {
							return err
						}
					}
					return nil
				},
			},
		})
	})
	defer shutdown()

	rr, err := client.CallServerStream(context.Background(), md, &echoRequest{Text: "tick"}, nil)
	if err != nil {
		t.Fatalf("CallServerStream: %v", err)
	}
	var count int
	for {
		msg, err := rr.Recv()
		if err != nil {
			break
		}
		if msg.(*echoResponse).Text != "tick" {
			t.Fatalf("unexpected response %v", msg)
		}
		count++
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestIntegration_ClientStream(t *testing.T) {
	md := echoMethod("Sum", true, false)
	client, shutdown := newLoopback(t, func(s *grpcmw.Server) {
		s.Add(&grpcmw.ServiceDescriptor{
			ServiceName: "test.Sum",
			Methods:     map[string]*grpcmw.MethodDescriptor{"Sum": md},
		}, &grpcmw.ServiceImplementation{
			ClientStream: map[string]grpcmw.ClientStreamHandler{
				"Sum": func(ctx *grpcmw.CallContext, req *grpcmw.RequestReceiver) (any, error) {
					var parts []string
					for {
						msg, err := req.Recv()
						if err != nil {
							break
						}
						parts = append(parts, msg.(*echoRequest).Text)
					}
					joined := ""
					for _, p := range parts {
						joined += p
					}
					return &echoResponse{Text: joined}, nil
				},
			},
		})
	})
	defer shutdown()

	sender, await, err := client.CallClientStream(context.Background(), md, nil)
	if err != nil {
		t.Fatalf("CallClientStream: %v", err)
	}
	for _, s := range []string{"a", "b", "c"} {
		if err := sender.Send(&echoRequest{Text: s}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	sender.Close(nil)

	resp, err := await()
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if resp.(*echoResponse).Text != "abc" {
		t.Fatalf("got %q, want abc", resp.(*echoResponse).Text)
	}
}

func TestIntegration_BidiStream(t *testing.T) {
	md := echoMethod("Relay", true, true)
	client, shutdown := newLoopback(t, func(s *grpcmw.Server) {
		s.Add(&grpcmw.ServiceDescriptor{
			ServiceName: "test.Relay",
			Methods:     map[string]*grpcmw.MethodDescriptor{"Relay": md},
		}, &grpcmw.ServiceImplementation{
			BidiStream: map[string]grpcmw.BidiStreamHandler{
				"Relay": func(ctx *grpcmw.CallContext, req *grpcmw.RequestReceiver, resp *grpcmw.ResponseSender) error {
					for {
						msg, err := req.Recv()
						if err != nil {
							return nil
						}
						if err := resp.Send(&echoResponse{Text: "r:" + msg.(*echoRequest).Text}); err != nil {
							return err
						}
					}
				},
			},
		})
	})
	defer shutdown()

	sender, receiver, err := client.CallBidiStream(context.Background(), md, nil)
	if err != nil {
		t.Fatalf("CallBidiStream: %v", err)
	}

	var got []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			msg, err := receiver.Recv()
			if err != nil {
				return
			}
			got = append(got, msg.(*echoResponse).Text)
		}
	}()

	for _, s := range []string{"x", "y"} {
		if err := sender.Send(&echoRequest{Text: s}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	sender.Close(nil)
	wg.Wait()

	if len(got) != 2 || got[0] != "r:x" || got[1] != "r:y" {
		t.Fatalf("got %v, want [r:x r:y]", got)
	}
}

func TestIntegration_MiddlewareOrdering(t *testing.T) {
	md := echoMethod("Order", false, false)
	var log []string
	var mu sync.Mutex
	record := func(name string) grpcmw.Middleware {
		return func(call *grpcmw.Call, ctx *grpcmw.CallContext, emit grpcmw.EmitFunc) error {
			mu.Lock()
			log = append(log, name+":pre")
			mu.Unlock()
			err := call.Next(ctx, emit)
			mu.Lock()
			log = append(log, name+":post")
			mu.Unlock()
			return err
		}
	}

	client, shutdown := newLoopback(t, func(s *grpcmw.Server) {
		s.Use(record("outer")).Use(record("inner"))
		s.Add(&grpcmw.ServiceDescriptor{
			ServiceName: "test.Order",
			Methods:     map[string]*grpcmw.MethodDescriptor{"Order": md},
		}, &grpcmw.ServiceImplementation{
			Unary: map[string]grpcmw.UnaryHandler{
				"Order": func(ctx *grpcmw.CallContext, request any) (any, error) {
					mu.Lock()
					log = append(log, "handler")
					mu.Unlock()
					return &echoResponse{}, nil
				},
			},
		})
	})
	defer shutdown()

	if _, err := client.CallUnary(context.Background(), md, &echoRequest{}, nil); err != nil {
		t.Fatalf("CallUnary: %v", err)
	}

	want := []string{"outer:pre", "inner:pre", "handler", "inner:post", "outer:post"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log = %v, want %v", log, want)
		}
	}
}

func TestIntegration_RateLimitRejects(t *testing.T) {
	md := echoMethod("Limited", false, false)
	client, shutdown := newLoopback(t, func(s *grpcmw.Server) {
		limiter := catrate.NewLimiter(map[time.Duration]int{time.Minute: 1})
		s.Use(grpcmw.RateLimit(limiter, grpcmw.CategorizeByMethod))
		s.Add(&grpcmw.ServiceDescriptor{
			ServiceName: "test.Limited",
			Methods:     map[string]*grpcmw.MethodDescriptor{"Limited": md},
		}, &grpcmw.ServiceImplementation{
			Unary: map[string]grpcmw.UnaryHandler{
				"Limited": func(ctx *grpcmw.CallContext, request any) (any, error) {
					return &echoResponse{}, nil
				},
			},
		})
	})
	defer shutdown()

	if _, err := client.CallUnary(context.Background(), md, &echoRequest{}, nil); err != nil {
		t.Fatalf("first call should succeed: %v", err)
	}
	_, err := client.CallUnary(context.Background(), md, &echoRequest{}, nil)
	if err == nil {
		t.Fatal("second call should have been rate-limited")
	}
	ce, ok := err.(*grpcmw.ClientError)
	if !ok || ce.Status != grpcmw.ResourceExhausted {
		t.Fatalf("err = %v, want ClientError(ResourceExhausted)", err)
	}
}

func TestIntegration_ClientCancellation(t *testing.T) {
	md := echoMethod("Block", false, false)
	unblock := make(chan struct{})
	client, shutdown := newLoopback(t, func(s *grpcmw.Server) {
		s.Add(&grpcmw.ServiceDescriptor{
			ServiceName: "test.Block",
			Methods:     map[string]*grpcmw.MethodDescriptor{"Block": md},
		}, &grpcmw.ServiceImplementation{
			Unary: map[string]grpcmw.UnaryHandler{
				"Block": func(ctx *grpcmw.CallContext, request any) (any, error) {
					<-ctx.Context().Done()
					close(unblock)
					return nil, ctx.Context().Err()
				},
			},
		})
	})
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.CallUnary(ctx, md, &echoRequest{}, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish after client cancellation")
	}

	select {
	case <-unblock:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed cancellation")
	}
}
