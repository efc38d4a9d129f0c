package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec carries FarmService messages as JSON. Clients select it with
// grpc.CallContentSubtype("json"); health and reflection stay on protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
