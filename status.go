package grpcmw

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// Status is a canonical gRPC status code. Values are numerically
// identical to google.golang.org/grpc/codes.Code, so conversion between
// the two is a plain cast at the transport boundary.
type Status int32

// Canonical gRPC status codes, per spec.
const (
	OK                  Status = Status(codes.OK)
	Cancelled           Status = Status(codes.Canceled)
	Unknown             Status = Status(codes.Unknown)
	InvalidArgument     Status = Status(codes.InvalidArgument)
	DeadlineExceeded    Status = Status(codes.DeadlineExceeded)
	NotFound            Status = Status(codes.NotFound)
	AlreadyExists       Status = Status(codes.AlreadyExists)
	PermissionDenied    Status = Status(codes.PermissionDenied)
	ResourceExhausted   Status = Status(codes.ResourceExhausted)
	FailedPrecondition  Status = Status(codes.FailedPrecondition)
	Aborted             Status = Status(codes.Aborted)
	OutOfRange          Status = Status(codes.OutOfRange)
	Unimplemented       Status = Status(codes.Unimplemented)
	Internal            Status = Status(codes.Internal)
	Unavailable         Status = Status(codes.Unavailable)
	DataLoss            Status = Status(codes.DataLoss)
	Unauthenticated     Status = Status(codes.Unauthenticated)
)

// String returns the gRPC status code name as grpc-go's codes.Code spells
// it, e.g. "NotFound".
func (s Status) String() string { return codes.Code(s).String() }

func (s Status) toGRPC() codes.Code   { return codes.Code(s) }
func statusFromGRPC(c codes.Code) Status { return Status(c) }

// ServerError is raised by a handler or middleware to terminate a call
// with a specific non-OK status. It is the only error kind a handler
// should deliberately construct to signal an application-level failure;
// the dispatcher converts it directly into a trailer carrying Status and
// Details, preserving any trailer metadata set before it was raised.
type ServerError struct {
	Status  Status
	Details string
}

// NewServerError constructs a *ServerError. status must not be OK — the
// dispatcher does not special-case an OK ServerError: status.Error with
// codes.OK is nil, so the call ends with status OK and no response.
func NewServerError(status Status, details string) *ServerError {
	return &ServerError{Status: status, Details: details}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("grpcmw: server error %s: %s", e.Status, e.Details)
}

// ClientError is raised on the client when the peer's trailer conveys a
// non-OK status. It carries everything needed to diagnose the failure
// without a second round-trip.
type ClientError struct {
	Path     string
	Status   Status
	Details  string
	Trailer  *Metadata
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("grpcmw: client error calling %s: %s: %s", e.Path, e.Status, e.Details)
}

// AbortError is raised when a Signal fires before a call completes —
// client side, at the awaiting consumer; server side, observable via
// CallContext.Signal(). Reason is the underlying cause (e.g.
// context.Canceled, context.DeadlineExceeded, or a caller-supplied value).
type AbortError struct {
	Reason error
}

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return "grpcmw: call aborted"
	}
	return "grpcmw: call aborted: " + e.Reason.Error()
}

func (e *AbortError) Unwrap() error { return e.Reason }

// IsAbortError reports whether err is (or wraps) an *AbortError, mirroring
// the "isAbortError on the thrown value" check spec.md's scenario 5 calls
// for on the server side.
func IsAbortError(err error) bool {
	_, ok := err.(*AbortError)
	if ok {
		return true
	}
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
		if _, ok := err.(*AbortError); ok {
			return true
		}
	}
}

// CodecError wraps a message encode/decode failure (spec.md §7's "Codec
// error" row). On the server it maps to INTERNAL; on the client it
// surfaces wrapped as a *ClientError with status UNKNOWN.
type CodecError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *CodecError) Error() string { return fmt.Sprintf("grpcmw: codec %s error: %v", e.Op, e.Err) }
func (e *CodecError) Unwrap() error { return e.Err }
