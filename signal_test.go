package grpcmw

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSignal_AbortLatchesOnce(t *testing.T) {
	s := newSignal()
	var calls int
	s.OnAbort(func(error) { calls++ })
	s.abort(errors.New("first"))
	s.abort(errors.New("second"))
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
	if s.Reason().Error() != "first" {
		t.Fatalf("Reason() = %v, want first", s.Reason())
	}
}

func TestSignal_OnAbortAfterFireRunsImmediately(t *testing.T) {
	s := newSignal()
	s.abort(errors.New("boom"))
	var got error
	s.OnAbort(func(reason error) { got = reason })
	if got == nil || got.Error() != "boom" {
		t.Fatalf("handler did not run immediately, got %v", got)
	}
}

func TestSignal_DoneChannel(t *testing.T) {
	s := newSignal()
	select {
	case <-s.Done():
		t.Fatal("Done() closed before abort")
	default:
	}
	s.abort(nil)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after abort")
	}
}

func TestSignal_OnAbortDetachablePreventsCall(t *testing.T) {
	s := newSignal()
	var called bool
	detach := s.OnAbortDetachable(func(error) { called = true })
	detach()
	s.abort(errors.New("x"))
	if called {
		t.Fatal("detached handler should not have run")
	}
}

func TestDeriveSignal_AbortsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	signal, detach := deriveSignal(ctx)
	defer detach()

	cancel()

	select {
	case <-signal.Done():
	case <-time.After(time.Second):
		t.Fatal("signal did not abort after context cancel")
	}
	if !errors.Is(signal.Reason(), context.Canceled) {
		t.Fatalf("Reason() = %v, want context.Canceled", signal.Reason())
	}
}

func TestDeriveSignal_DetachDoesNotAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signal, detach := deriveSignal(ctx)
	detach()
	cancel()
	time.Sleep(20 * time.Millisecond)
	if signal.Aborted() {
		t.Fatal("signal aborted after detach, should not have")
	}
}

func TestSignalController_Abort(t *testing.T) {
	c := newSignalController()
	c.Abort(errors.New("forced"))
	if !c.signal.Aborted() {
		t.Fatal("expected controller's signal aborted")
	}
}
