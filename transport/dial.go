package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/codec"
)

// DialConfig describes how to open a stream to one address.
type DialConfig struct {
	Timeout   time.Duration // 0 means no timeout beyond ctx
	TLSConfig *tls.Config   // nil dials plaintext
	KeepAlive time.Duration
	CodecType codec.CodecType
	Logger    *zap.Logger
}

// Dial connects to address and returns a running ClientTransport. Dial
// failures are reported as codes.Unavailable.
func Dial(ctx context.Context, address string, cfg DialConfig) (*ClientTransport, error) {
	dialer := &net.Dialer{Timeout: cfg.Timeout, KeepAlive: cfg.KeepAlive}

	var (
		conn net.Conn
		err  error
	)
	if cfg.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: cfg.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "transport: dial %s: %v", address, err)
	}
	return NewClientTransport(conn, cfg.CodecType, cfg.Logger), nil
}
