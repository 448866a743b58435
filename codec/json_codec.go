package codec

import (
	"encoding/json"
	"errors"

	"serving-rpc/message"
)

// JSONCodec encodes envelopes with encoding/json. Payload bytes are base64
// encoded by encoding/json, so prefer BinaryCodec for large tensors.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if _, ok := v.(*message.RPCMessage); !ok {
		return nil, errors.New("codec: JSONCodec encodes *message.RPCMessage only")
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if _, ok := v.(*message.RPCMessage); !ok {
		return errors.New("codec: JSONCodec decodes into *message.RPCMessage only")
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
