package codec

import (
	"github.com/goccy/go-json"
)

// JSONCodec encodes the whole envelope as JSON. Payload bytes end up base64
// encoded, which keeps frames readable in packet captures.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
