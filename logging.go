package grpcmw

import (
	"errors"
	"time"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is this module's structured logger, parameterized over the
// zerolog-backed event type from izerolog. Construct one with NewLogger.
type Logger = logiface.Logger[*izerolog.Event]

// NewLogger wraps a zerolog.Logger as a Logger, the logging backend used
// by the Logging middleware and the default local error hook.
func NewLogger(z zerolog.Logger) *Logger {
	return logiface.New[*izerolog.Event](izerolog.WithZerolog(z))
}

// ErrorHook observes an error the dispatcher could not attribute to a
// *ServerError (a handler or middleware returning a plain error; panics
// are not recovered): the local-observability half of spec.md §7's error
// model, since such errors are reported to the peer only as
// codes.Unknown with no detail.
type ErrorHook func(ctx *CallContext, err error)

// DefaultErrorHook returns an ErrorHook that logs err at Error level via
// logger, tagged with the call's full method and peer. Pass it to
// WithErrorHook to give a Server local observability into errors it
// otherwise reports to the peer only as codes.Unknown with no detail.
func DefaultErrorHook(logger *Logger) ErrorHook {
	return func(ctx *CallContext, err error) {
		if logger == nil {
			return
		}
		logger.Err().
			Str("method", ctx.FullMethod()).
			Str("peer", ctx.Peer()).
			Err(err).
			Log("grpcmw: unexpected handler error")
	}
}

// Logging returns a Middleware that logs one line per call at
// Informational level (Error level if the call finished with a non-OK
// status): method, peer, duration, and status code. It delegates before
// observing the outcome, so it always sits outermost relative to
// middleware whose effects it should describe.
func Logging(logger *Logger) Middleware {
	return func(call *Call, ctx *CallContext, emit EmitFunc) error {
		t0 := timeNow()
		err := call.Next(ctx, emit)
		dur := timeNow().Sub(t0)
		st := statusFromError(err)
		ev := logger.Info()
		if st != OK {
			ev = logger.Err()
		}
		ev.Str("method", call.FullMethod).
			Str("peer", ctx.Peer()).
			Dur("duration", dur).
			Str("status", st.String()).
			Log("grpcmw: call finished")
		return err
	}
}

// timeNow is a thin indirection over time.Now so it reads as a single
// call site; kept unexported since nothing else in this package needs to
// stub it.
func timeNow() time.Time { return time.Now() }

func statusFromError(err error) Status {
	if err == nil {
		return OK
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Status
	}
	return Unknown
}
