package grpcx

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is carried in the grpc content-subtype.
const codecName = "json"

// jsonCodec carries the transport structs as JSON; there is no protobuf IDL
// for them.
type jsonCodec struct{}

var _ encoding.Codec = jsonCodec{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }
