// Package protocol implements the binary frame protocol spoken between the
// serving client and the inference server.
//
// Every frame is a fixed 14-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes, so frames never bleed into each other on the stream.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ srv  │02│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x76 // 'v'
	Version     byte = 0x02 // 0x02 added the status code to the message envelope
	HeaderSize  int  = 14   // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body. Tensors larger than this must be
	// split by the caller.
	MaxBodyLen uint32 = 64 << 20
)

var (
	ErrInvalidMagic  = errors.New("protocol: invalid magic number")
	ErrFrameTooLarge = errors.New("protocol: frame body too large")
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
)

func (t MsgType) valid() bool {
	return t <= MsgTypeHeartbeat
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // matches a response to its request on a multiplexed stream
	BodyLen   uint32
}

func (h *Header) marshal(buf []byte) {
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
}

// Encode writes a complete frame to w. Header and body go out in one vectored
// write, but callers sharing w between goroutines must still hold a lock:
// short writes are retried and could interleave with another frame.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return fmt.Errorf("protocol: body length %d does not match header %d", len(body), h.BodyLen)
	}
	if h.BodyLen > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.BodyLen)
	}

	var hdr [HeaderSize]byte
	h.marshal(hdr[:])

	bufs := net.Buffers{hdr[:]}
	if len(body) > 0 {
		bufs = append(bufs, body)
	}
	_, err := bufs.WriteTo(w)
	return err
}

// Decode reads one complete frame from r, validating every header field
// before trusting the body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}

	if hdr[0] != MagicNumber || hdr[1] != MagicByte2 || hdr[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, hdr[0:3])
	}
	if hdr[3] != Version {
		return nil, nil, fmt.Errorf("protocol: unsupported version: %d", hdr[3])
	}
	if hdr[4] != CodecTypeJSON && hdr[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("protocol: unsupported codec type: %d", hdr[4])
	}
	msgType := MsgType(hdr[5])
	if !msgType.valid() {
		return nil, nil, fmt.Errorf("protocol: unsupported message type: %d", hdr[5])
	}

	h := &Header{
		CodecType: hdr[4],
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(hdr[6:10]),
		BodyLen:   binary.BigEndian.Uint32(hdr[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.BodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
