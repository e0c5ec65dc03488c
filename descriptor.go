package grpcmw

import (
	"encoding/json"

	"google.golang.org/protobuf/proto"
)

// Codec encodes and decodes application messages to and from wire bytes.
// A Codec is selected per service method (via MethodDescriptor), keeping
// the core framework codec-agnostic: grpc-go's own codec registry is
// bypassed entirely (see internal/wire).
type Codec interface {
	Encode(message any) ([]byte, error)
	Decode(data []byte, out any) error
}

// ProtoCodec is a Codec backed by google.golang.org/protobuf. Messages
// passed to Encode, and the out parameter passed to Decode, must implement
// proto.Message.
type ProtoCodec struct{}

func (ProtoCodec) Encode(message any) ([]byte, error) {
	m, ok := message.(proto.Message)
	if !ok {
		return nil, &CodecError{Op: "encode", Err: errNotProtoMessage(message)}
	}
	b, err := proto.Marshal(m)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return b, nil
}

func (ProtoCodec) Decode(data []byte, out any) error {
	m, ok := out.(proto.Message)
	if !ok {
		return &CodecError{Op: "decode", Err: errNotProtoMessage(out)}
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return &CodecError{Op: "decode", Err: err}
	}
	return nil
}

// JSONCodec is a Codec backed by encoding/json, for services defined
// without generated protobuf message types (tests, examples, or
// services fronting a JSON-native backend). out passed to Decode must be
// a pointer.
type JSONCodec struct{}

func (JSONCodec) Encode(message any) ([]byte, error) {
	b, err := json.Marshal(message)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return b, nil
}

func (JSONCodec) Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return &CodecError{Op: "decode", Err: err}
	}
	return nil
}

type notProtoMessageError struct{ value any }

func (e notProtoMessageError) Error() string {
	return "grpcmw: value does not implement proto.Message"
}

func errNotProtoMessage(v any) error { return notProtoMessageError{value: v} }

// MessageFactory creates a new, zero-valued instance of a method's request
// or response message type, for Decode to populate.
type MessageFactory func() any

// MethodDescriptor describes a single RPC method.
type MethodDescriptor struct {
	// Name is the bare method name, e.g. "GetWidget".
	Name string
	// FullMethod is the canonical "/package.Service/Method" path.
	FullMethod string
	// ClientStreams is true for client-streaming and bidi-streaming methods.
	ClientStreams bool
	// ServerStreams is true for server-streaming and bidi-streaming methods.
	ServerStreams bool
	// RequestCodec and ResponseCodec encode/decode the method's messages.
	// If nil, ProtoCodec{} is used.
	RequestCodec  Codec
	ResponseCodec Codec
	// NewRequest and NewResponse construct zero-valued message instances.
	// Required for the server to decode requests and the client to decode
	// responses.
	NewRequest  MessageFactory
	NewResponse MessageFactory
}

func (m *MethodDescriptor) requestCodec() Codec {
	if m.RequestCodec != nil {
		return m.RequestCodec
	}
	return ProtoCodec{}
}

func (m *MethodDescriptor) responseCodec() Codec {
	if m.ResponseCodec != nil {
		return m.ResponseCodec
	}
	return ProtoCodec{}
}

// ServiceDescriptor ties a service name to its methods.
type ServiceDescriptor struct {
	ServiceName string
	Methods     map[string]*MethodDescriptor // keyed by Name
}

// Method looks up a method descriptor by bare name.
func (d *ServiceDescriptor) Method(name string) (*MethodDescriptor, bool) {
	md, ok := d.Methods[name]
	return md, ok
}

// UnaryHandler handles a unary call: exactly one request in, one response
// out.
type UnaryHandler func(ctx *CallContext, request any) (any, error)

// ServerStreamHandler handles a server-streaming call: one request in,
// zero or more responses out via resp.
type ServerStreamHandler func(ctx *CallContext, request any, resp *ResponseSender) error

// ClientStreamHandler handles a client-streaming call: zero or more
// requests in via req, one response out.
type ClientStreamHandler func(ctx *CallContext, req *RequestReceiver) (any, error)

// BidiStreamHandler handles a bidirectional-streaming call.
type BidiStreamHandler func(ctx *CallContext, req *RequestReceiver, resp *ResponseSender) error

// ServiceImplementation is the set of handlers a service registers with
// the Server, keyed by bare method name. Exactly one handler function
// type is valid per method, chosen by its MethodDescriptor's
// ClientStreams/ServerStreams flags; Server.Add validates this at
// registration time.
type ServiceImplementation struct {
	Unary        map[string]UnaryHandler
	ServerStream map[string]ServerStreamHandler
	ClientStream map[string]ClientStreamHandler
	BidiStream   map[string]BidiStreamHandler
}
