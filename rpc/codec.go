// Package rpc implements the Forward and Reverse RPC transports: real
// gRPC servers and clients dialed over Unix-domain sockets, using a
// hand-written message set and a gob-based codec instead of protoc-generated
// types (no .proto toolchain is available in this build environment).
package rpc

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

const codecName = "ddkgob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements encoding.Codec by round-tripping the concrete Go
// struct types defined in messages.go through encoding/gob. It is
// registered under codecName; callers select it per-RPC with
// grpc.CallContentSubtype(codecName) and servers are started with
// grpc.ForceServerCodec so every RPC on that server uses it.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }
