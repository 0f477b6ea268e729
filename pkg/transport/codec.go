package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype grpc negotiates for Invoke calls:
// requests are sent as "application/grpc+json" instead of the usual
// protobuf wire format.
const CodecName = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec by delegating
// straight to encoding/json, so InvokeRequest/InvokeResponse need not
// implement proto.Message.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
