package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/resolver"
	"serving-rpc/transport"
)

// CallMode selects which of a Connection's streams a call uses.
type CallMode int

const (
	Blocking CallMode = iota
	NonBlocking
)

func (m CallMode) String() string {
	if m == NonBlocking {
		return "non-blocking"
	}
	return "blocking"
}

// Connection is the pool's binding to one address: one stream for blocking
// calls and one for non-blocking calls, both dialed up front. A Connection
// never changes address; the pool replaces it instead.
type Connection struct {
	addr        resolver.Address
	blocking    transport.Handle
	nonBlocking transport.Handle

	closeOnce sync.Once
	closeErr  error
}

func newConnection(ctx context.Context, addr resolver.Address, dial Dialer) (*Connection, error) {
	blocking, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	nonBlocking, err := dial(ctx, addr)
	if err != nil {
		blocking.Close()
		return nil, err
	}
	return &Connection{addr: addr, blocking: blocking, nonBlocking: nonBlocking}, nil
}

func (c *Connection) Address() resolver.Address {
	return c.addr
}

// Invoke performs one call on the stream selected by mode and decodes the
// response payload into reply (skipped when reply is nil). Errors from the
// stream are returned untouched.
func (c *Connection) Invoke(ctx context.Context, serviceMethod string, args, reply any, mode CallMode) error {
	h := c.blocking
	if mode == NonBlocking {
		h = c.nonBlocking
	}

	resp, err := h.Call(ctx, serviceMethod, args)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return status.Errorf(codes.Internal, "client: decode %s reply from %s: %v", serviceMethod, c.addr, err)
	}
	return nil
}

// Close releases both streams. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = multierr.Append(c.blocking.Close(), c.nonBlocking.Close())
		if c.closeErr != nil {
			c.closeErr = fmt.Errorf("client: close %s: %w", c.addr, c.closeErr)
		}
	})
	return c.closeErr
}
