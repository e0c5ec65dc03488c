// Package wire bridges this module's own pluggable Codec (grpcmw.Codec)
// to google.golang.org/grpc's transport, by forcing a pass-through
// grpc-go codec that ferries opaque byte frames instead of marshaling
// application messages itself. grpcmw's dispatcher and driver own the
// actual encode/decode step; grpc-go never sees application message
// types. This is the same raw-frame technique used by gRPC proxies (see
// DESIGN.md) to stay payload-agnostic while running on the real
// transport.
package wire

import "fmt"

// Frame is the message type registered with grpc-go's Send/RecvMsg on
// both client and server streams. Its Payload is the already-encoded
// application message.
type Frame struct {
	Payload []byte
}

// CodecName is the name PassthroughCodec reports. The codec is not added
// to grpc-go's codec registry: the client installs it with grpc.ForceCodec
// and the server with grpc.ForceServerCodec, so grpc-go uses it over
// whatever default codec is installed.
const CodecName = "grpcmw-raw"

// PassthroughCodec implements grpc-go's encoding.Codec by copying bytes
// into and out of *Frame, performing no application-level marshaling.
type PassthroughCodec struct{}

func (PassthroughCodec) Name() string { return CodecName }

func (PassthroughCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("wire: unexpected message type %T, want *wire.Frame", v)
	}
	return f.Payload, nil
}

func (PassthroughCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("wire: unexpected message type %T, want *wire.Frame", v)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.Payload = cp
	return nil
}
