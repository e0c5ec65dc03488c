package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestQueue_SendRecv(t *testing.T) {
	q := New()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- q.Send(ctx, "hello")
	}()

	v, err := q.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if v != "hello" {
		t.Fatalf("Recv got %v, want hello", v)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestQueue_CloseUnblocksSend(t *testing.T) {
	q := New()
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- q.Send(ctx, "stuck") }()

	// Give the goroutine a chance to block in Send before closing.
	time.Sleep(10 * time.Millisecond)
	q.Close(errors.New("boom"))

	select {
	case err := <-errc:
		if err == nil || err.Error() != "boom" {
			t.Fatalf("Send returned %v, want boom", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after Close")
	}
}

func TestQueue_CloseDefaultsToEOF(t *testing.T) {
	q := New()
	q.Close(nil)
	if _, err := q.Recv(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv got %v, want io.EOF", err)
	}
}

func TestQueue_CloseIdempotent(t *testing.T) {
	q := New()
	q.Close(errors.New("first"))
	q.Close(errors.New("second"))
	_, err := q.Recv(context.Background())
	if err == nil || err.Error() != "first" {
		t.Fatalf("Recv got %v, want first", err)
	}
}

func TestQueue_RecvRespectsContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Recv got %v, want context.Canceled", err)
	}
}

func TestQueue_Closed(t *testing.T) {
	q := New()
	if q.Closed() {
		t.Fatal("expected not closed")
	}
	q.Close(nil)
	if !q.Closed() {
		t.Fatal("expected closed")
	}
}
