package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"serving-rpc/message"
)

var errShortMessage = errors.New("codec: binary message truncated")

// BinaryCodec lays an RPCMessage out as length-prefixed fields:
//
//	methodLen u16 | method | code u32 | payloadLen u32 | payload | errLen u16 | error
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("codec: BinaryCodec encodes *message.RPCMessage only")
	}
	if len(msg.ServiceMethod) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 {
		return nil, fmt.Errorf("codec: string field longer than %d bytes", math.MaxUint16)
	}

	buf := make([]byte, 0, 2+len(msg.ServiceMethod)+4+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = binary.BigEndian.AppendUint32(buf, msg.Code)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("codec: BinaryCodec decodes into *message.RPCMessage only")
	}

	r := binaryReader{data: data}
	msg.ServiceMethod = string(r.next(int(r.uint16())))
	msg.Code = r.uint32()
	payload := r.next(int(r.uint32()))
	msg.Error = string(r.next(int(r.uint16())))
	if r.err != nil {
		return r.err
	}
	msg.Payload = append([]byte(nil), payload...)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// binaryReader consumes data front to back and latches the first error.
type binaryReader struct {
	data []byte
	err  error
}

func (r *binaryReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data) {
		r.err = errShortMessage
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *binaryReader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binaryReader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
