package grpcmw

import (
	"context"
	"sync"
)

// Signal is an edge-triggered, latched cancellation notification. Once
// aborted, it stays aborted; handlers registered via OnAbort are invoked at
// most once, in registration order, and late registrations are invoked
// immediately with the current reason.
//
// Signal is distinct from context.Context: a CallContext's Signal is
// derived from the call's context (so ordinary peer cancellation and
// deadlines fire it), but it can also be aborted independently — the
// terminator middleware (see Terminate) relies on exactly this to force a
// handler to observe cancellation at graceful shutdown without touching
// the underlying RPC context.
//
// A Signal's zero value is not usable; construct one with newSignal or
// deriveSignal.
type Signal struct {
	mu       sync.Mutex
	done     chan struct{}
	reason   error
	aborted  bool
	handlers map[int]func(error)
	nextID   int
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// deriveSignal returns a Signal that aborts when ctx is done, with
// ctx.Err() as the reason. The returned cancel func detaches the watcher
// goroutine without aborting the signal; it must be called once the
// caller no longer cares about ctx's cancellation (e.g. after the call
// completes normally) to avoid leaking the watcher.
func deriveSignal(ctx context.Context) (*Signal, context.CancelFunc) {
	s := newSignal()
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			s.abort(ctx.Err())
		case <-stop:
		}
	}()
	return s, func() {
		close(stop)
		<-exited
	}
}

// Aborted reports whether the signal has fired.
func (s *Signal) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Reason returns the abort reason, or nil if the signal has not fired.
func (s *Signal) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done returns a channel that is closed when the signal fires. Suitable
// for use in a select statement alongside other suspension points.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// OnAbort registers handler to run when the signal fires. If the signal
// has already fired, handler runs immediately (synchronously, on the
// calling goroutine). Handlers must not block or panic.
func (s *Signal) OnAbort(handler func(reason error)) {
	if handler == nil {
		return
	}
	if id, fired, reason := s.addHandler(handler); fired {
		handler(reason)
	} else {
		_ = id
	}
}

// OnAbortDetachable behaves like OnAbort, but returns a detach function
// that removes the handler if the signal has not yet fired (a no-op
// otherwise, since a fired handler has already run exactly once). This
// lets a listener that forwards one signal's abort into another be
// unregistered once it is no longer needed — e.g. the terminator
// middleware detaches its outer-to-inner forwarding listener on every
// call exit, so it never leaks across the call's lifetime (spec.md §4.E).
func (s *Signal) OnAbortDetachable(handler func(reason error)) func() {
	if handler == nil {
		return func() {}
	}
	id, fired, reason := s.addHandler(handler)
	if fired {
		handler(reason)
		return func() {}
	}
	return func() { s.removeHandler(id) }
}

func (s *Signal) addHandler(handler func(error)) (id int, fired bool, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return 0, true, s.reason
	}
	id = s.nextID
	s.nextID++
	if s.handlers == nil {
		s.handlers = make(map[int]func(error))
	}
	s.handlers[id] = handler
	return id, false, nil
}

func (s *Signal) removeHandler(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
}

// abort latches the signal. Subsequent calls are no-ops: the flag
// transitions at most once, per spec.
func (s *Signal) abort(reason error) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	if reason == nil {
		reason = context.Canceled
	}
	s.aborted = true
	s.reason = reason
	handlers := s.handlers
	nextID := s.nextID
	s.handlers = nil
	close(s.done)
	s.mu.Unlock()

	// IDs increase with each registration, so ascending ID order is
	// registration order.
	for id := 0; id < nextID; id++ {
		if h, ok := handlers[id]; ok {
			h(reason)
		}
	}
}

// signalController exposes abort to callers that must trigger it directly
// (the terminator's process-wide force-abort set), without exposing it on
// Signal itself.
type signalController struct {
	signal *Signal
}

func newSignalController() *signalController {
	return &signalController{signal: newSignal()}
}

func (c *signalController) Abort(reason error) { c.signal.abort(reason) }
