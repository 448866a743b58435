// Package client is a fault-tolerant client for a replicated inference
// server reachable under one hostname.
//
// The client keeps a Connection to every address the hostname resolves to and
// sends calls to them in round-robin order. Before each attempt, and again
// after each failed one, it re-resolves the hostname and reconciles the pool:
// connections to addresses that disappeared are closed, new addresses are
// connected. Failed attempts are retried up to Config.MaxAttempts times;
// when all of them fail the caller gets a *RetryError listing every attempt.
// Failures a retry cannot fix, such as an unknown model, are returned on
// first occurrence.
//
// Calls come in two forms sharing the pool and the retry rules: Predict blocks
// the calling goroutine, Go runs the call on the configured Executor and
// reports on a *Call.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/message"
)

type Client struct {
	host string
	port int
	cfg  Config
	pool *pool
}

// NewClient creates a client for the servers behind host:port and connects to
// every address host currently resolves to. Resolving to no address at all
// is not an error; failing to resolve is.
func NewClient(ctx context.Context, host string, port int, cfg Config) (*Client, error) {
	if host == "" {
		return nil, errors.New("client: empty host")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("client: invalid port %d", port)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	cfg.Logger = cfg.Logger.With(zap.String("host", host), zap.Int("port", port))

	c := &Client{
		host: host,
		port: port,
		cfg:  cfg,
		pool: newPool(host, port, cfg),
	}
	if err := c.pool.reconcile(ctx, true); err != nil {
		c.pool.close()
		return nil, fmt.Errorf("client: initial resolve of %s: %w", host, err)
	}
	return c, nil
}

// Predict runs the model on inputs and returns its named outputs.
func (c *Client) Predict(ctx context.Context, inputs []Input, opts ...PredictOption) (map[string]message.Tensor, error) {
	return c.predict(ctx, inputs, newPredictOptions(opts), Blocking)
}

// Call is a prediction started with Client.Go.
type Call struct {
	done    chan struct{}
	outputs map[string]message.Tensor
	err     error
}

// Done is closed when the call has finished.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

// Wait blocks until the call has finished and returns its result.
func (call *Call) Wait() (map[string]message.Tensor, error) {
	<-call.done
	return call.outputs, call.err
}

// Go starts a prediction without blocking. The call suspends only while
// waiting on the server; cancelling ctx ends it with ctx.Err().
func (c *Client) Go(ctx context.Context, inputs []Input, opts ...PredictOption) *Call {
	o := newPredictOptions(opts)
	call := &Call{done: make(chan struct{})}
	c.cfg.Executor.Go(func() {
		defer close(call.done)
		call.outputs, call.err = c.predict(ctx, inputs, o, NonBlocking)
	})
	return call
}

func (c *Client) predict(ctx context.Context, inputs []Input, o predictOptions, mode CallMode) (map[string]message.Tensor, error) {
	// Validate once up front; a malformed request is not worth an attempt.
	if _, err := newPredictRequest(inputs, o); err != nil {
		return nil, err
	}

	var outputs map[string]message.Tensor
	err := c.do(ctx, message.MethodPredict, func(ctx context.Context, conn *Connection) error {
		req, err := newPredictRequest(inputs, o)
		if err != nil {
			return err
		}
		var resp message.PredictResponse
		if err := conn.Invoke(ctx, message.MethodPredict, req, &resp, mode); err != nil {
			return err
		}
		outputs = parsePredictResponse(&resp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// ListModels asks one live server, the next in rotation, for its models.
// It is not retried.
func (c *Client) ListModels(ctx context.Context) ([]message.ModelDescriptor, error) {
	if c.pool.isClosed() {
		return nil, ErrClosed
	}
	if err := c.pool.reconcile(ctx, false); err != nil {
		return nil, fmt.Errorf("client: resolve %s: %w", c.host, err)
	}
	_, conn, err := c.pool.conns.Next()
	if err != nil {
		return nil, err
	}
	var resp message.ListModelsResponse
	if err := conn.Invoke(ctx, message.MethodListModels, &message.ListModelsRequest{}, &resp, Blocking); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// Addresses returns the addresses currently in the pool, next to serve first.
func (c *Client) Addresses() []string {
	keys := c.pool.conns.Keys()
	addrs := make([]string, len(keys))
	for i, k := range keys {
		addrs[i] = k.String()
	}
	return addrs
}

// Close closes every connection. Calls made afterwards fail with ErrClosed.
func (c *Client) Close() error {
	return c.pool.close()
}

// do runs attempt against successive connections until it succeeds, fails
// terminally, or MaxAttempts is used up.
func (c *Client) do(ctx context.Context, method string, attempt func(context.Context, *Connection) error) error {
	var failures []error

	for n := 1; n <= c.cfg.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.pool.isClosed() {
			return ErrClosed
		}
		if wait := c.backoffFor(n); wait > 0 {
			select {
			case <-c.cfg.Clock.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		addr, err := c.try(ctx, attempt)
		if err != nil && ctx.Err() != nil {
			// Cancellation is the caller's decision, not a failed attempt.
			return ctx.Err()
		}

		switch classify(err) {
		case outcomeSuccess:
			return nil
		case outcomeTerminal:
			return err
		}

		if addr != "" {
			err = fmt.Errorf("attempt %d on %s: %w", n, addr, err)
		} else {
			err = fmt.Errorf("attempt %d: %w", n, err)
		}
		failures = append(failures, err)
		c.cfg.Logger.Warn("call failed",
			zap.String("method", method),
			zap.Int("attempt", n),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Stringer("code", Code(err)),
			zap.Error(err))

		// The failure may mean the address is gone.
		if rerr := c.pool.reconcile(ctx, true); rerr != nil && ctx.Err() == nil {
			c.cfg.Logger.Debug("reconcile after failure", zap.Error(rerr))
		}
	}
	return &RetryError{Attempts: failures}
}

// try makes a single attempt. It returns the address used, if any.
func (c *Client) try(ctx context.Context, attempt func(context.Context, *Connection) error) (string, error) {
	if err := c.pool.reconcile(ctx, false); err != nil {
		if errors.Is(err, ErrClosed) {
			return "", err
		}
		// Resolution failures are retried like connectivity failures.
		return "", status.Errorf(codes.Unavailable, "client: resolve %s: %v", c.host, err)
	}

	addr, conn, err := c.pool.conns.Next()
	if err != nil {
		return "", err
	}

	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}
	return addr.String(), attempt(ctx, conn)
}

// backoffFor returns the wait before attempt n: none before the first, then
// Backoff doubling each time, capped at MaxBackoff.
func (c *Client) backoffFor(n int) time.Duration {
	if n <= 1 || c.cfg.Backoff <= 0 {
		return 0
	}
	wait := c.cfg.Backoff
	for i := 2; i < n; i++ {
		if wait > c.cfg.MaxBackoff/2 {
			return c.cfg.MaxBackoff
		}
		wait *= 2
	}
	return min(wait, c.cfg.MaxBackoff)
}
