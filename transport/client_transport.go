// Package transport implements the client side of one multiplexed stream to
// an inference server.
//
// ClientTransport lets many concurrent calls share a single connection. Each
// request gets a sequence ID, and a background goroutine (recvLoop) reads
// responses and routes them to the waiting caller.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single conn ──→ server
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/codec"
	"serving-rpc/message"
	"serving-rpc/protocol"
)

const DefaultHeartbeatInterval = 30 * time.Second

// ErrClosed is returned by calls on a transport that was closed locally.
var ErrClosed = status.Error(codes.Unavailable, "transport: closed")

// Handle is one call-capable stream bound to a single address.
//
// Call sends one request and waits for its response. Server-reported failures
// and broken streams are returned as grpc status errors; if ctx is done first,
// ctx.Err() is returned unchanged.
type Handle interface {
	Call(ctx context.Context, serviceMethod string, args any) (*message.RPCMessage, error)
	Close() error
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	logger  *zap.Logger
	pending sync.Map // map[uint32]chan *message.RPCMessage

	sending sync.Mutex // serializes frame writes and guards seq and broken
	seq     uint32
	broken  error

	closeOnce sync.Once
	done      chan struct{}
}

var _ Handle = (*ClientTransport)(nil)

// NewClientTransport wraps conn and starts the receive and heartbeat loops.
// A nil logger disables logging.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, logger *zap.Logger) *ClientTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:   conn,
		codec:  codecType,
		logger: logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(DefaultHeartbeatInterval)
	return t
}

// Send serializes args and writes a request frame. It returns the request's
// sequence number and the channel its response will be delivered on.
func (t *ClientTransport) Send(serviceMethod string, args any) (uint32, <-chan *message.RPCMessage, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, status.Errorf(codes.InvalidArgument, "transport: marshal args: %v", err)
	}
	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	if err != nil {
		return 0, nil, status.Errorf(codes.InvalidArgument, "transport: encode request: %v", err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	if t.broken != nil {
		return 0, nil, t.broken
	}

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	// Register before writing so recvLoop cannot see the response first.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, status.Errorf(codes.Unavailable, "transport: write request: %v", err)
	}
	return seq, respChan, nil
}

// Call sends a request and suspends until the response arrives or ctx is done.
func (t *ClientTransport) Call(ctx context.Context, serviceMethod string, args any) (*message.RPCMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq, ch, err := t.Send(serviceMethod, args)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Failed() {
			return resp, responseError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// Close tears down the connection. Pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.sending.Lock()
		if t.broken == nil {
			t.broken = ErrClosed
		}
		t.sending.Unlock()

		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// recvLoop is the only reader of the connection; frame boundaries can only be
// parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			t.logger.Warn("dropping undecodable response", zap.Uint32("seq", header.Seq), zap.Error(err))
			resp = &message.RPCMessage{Code: uint32(codes.Internal), Error: err.Error()}
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		}
	}
}

// fail marks the transport broken and wakes every pending caller. Setting
// broken under the send lock first means no request can be registered after
// the sweep below.
func (t *ClientTransport) fail(err error) {
	t.sending.Lock()
	if t.broken == nil {
		t.broken = status.Errorf(codes.Unavailable, "transport: connection lost: %v", err)
		t.logger.Debug("connection lost", zap.Error(err))
	}
	broken := t.broken
	t.sending.Unlock()

	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan *message.RPCMessage) <- &message.RPCMessage{
				Code:  uint32(codes.Unavailable),
				Error: status.Convert(broken).Message(),
			}
		}
		return true
	})
}

// heartbeatLoop keeps idle connections from being reaped by the server or
// middleboxes, and exits once a write fails or the transport is closed.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		t.sending.Lock()
		err := t.broken
		if err == nil {
			err = protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		}
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}

// responseError converts a failed response into a grpc status error.
func responseError(resp *message.RPCMessage) error {
	code := codes.Code(resp.Code)
	if code == codes.OK {
		code = codes.Unknown
	}
	msg := resp.Error
	if msg == "" {
		msg = code.String()
	}
	return status.Error(code, msg)
}
