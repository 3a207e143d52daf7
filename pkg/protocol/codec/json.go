package codec

import "encoding/json"

type jsonCodec struct{}

// JSON returns a codec using encoding/json. Content-Type:
// application/json. Intended for interoperability and debugging, not
// the default wire codec for data-plane traffic.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)       { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }
