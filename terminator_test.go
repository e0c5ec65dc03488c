package grpcmw

import (
	"context"
	"testing"
	"time"
)

func TestTerminator_AbortOnTerminateThenTerminate(t *testing.T) {
	term := NewTerminator()

	innermost := Next(func(ctx *CallContext, emit EmitFunc) error {
		ctx.AbortOnTerminate()
		<-ctx.Signal().Done()
		return ctx.Signal().Reason()
	})

	composed := chain([]Middleware{term.Middleware()}, nil, "/svc/Method", nil, nil, innermost)

	ctx := dummyCallContext()
	resultCh := make(chan error, 1)
	go func() { resultCh <- composed(ctx, func(any) error { return nil }) }()

	// Let the handler register before terminating.
	time.Sleep(20 * time.Millisecond)
	term.Terminate()

	select {
	case err := <-resultCh:
		se, ok := err.(*ServerError)
		if !ok || se.Status != Unavailable {
			t.Fatalf("err = %v, want ServerError(Unavailable)", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not unblock after Terminate")
	}
}

func TestTerminator_TerminateIdempotent(t *testing.T) {
	term := NewTerminator()
	term.Terminate()
	term.Terminate() // must not panic or double-abort anything
}

func TestTerminator_RegisterAfterTerminateAbortsImmediately(t *testing.T) {
	term := NewTerminator()
	term.Terminate()

	innermost := Next(func(ctx *CallContext, emit EmitFunc) error {
		ctx.AbortOnTerminate()
		return ctx.Signal().Reason()
	})
	composed := chain([]Middleware{term.Middleware()}, nil, "/svc/Method", nil, nil, innermost)

	err := composed(dummyCallContext(), func(any) error { return nil })
	se, ok := err.(*ServerError)
	if !ok || se.Status != Unavailable {
		t.Fatalf("err = %v, want ServerError(Unavailable)", err)
	}
}

func TestTerminator_OuterAbortNotMasked(t *testing.T) {
	term := NewTerminator()

	outerCtx, cancel := context.WithCancel(context.Background())
	outerSignal, detach := deriveSignal(outerCtx)
	defer detach()

	callCtx := newCallContext(outerCtx, NewMetadata(), "peer", "/svc/Method", nil, outerSignal, func(*Metadata) error { return nil })

	innermost := Next(func(ctx *CallContext, emit EmitFunc) error {
		ctx.AbortOnTerminate()
		<-ctx.Signal().Done()
		return &AbortError{Reason: ctx.Signal().Reason()}
	})
	composed := chain([]Middleware{term.Middleware()}, nil, "/svc/Method", nil, nil, innermost)

	resultCh := make(chan error, 1)
	go func() { resultCh <- composed(callCtx, func(any) error { return nil }) }()

	time.Sleep(20 * time.Millisecond)
	cancel() // outer cancellation, NOT Terminate

	select {
	case err := <-resultCh:
		if _, ok := err.(*ServerError); ok {
			t.Fatalf("err = %v, should not have been rewritten to ServerError when outer aborted too", err)
		}
		if !IsAbortError(err) {
			t.Fatalf("err = %v, want AbortError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not unblock after outer cancel")
	}
}
