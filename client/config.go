package client

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"serving-rpc/codec"
	"serving-rpc/resolver"
	"serving-rpc/transport"
)

const (
	DefaultMaxAttempts     = 3
	DefaultDialTimeout     = 5 * time.Second
	DefaultResolveTimeout  = 5 * time.Second
	DefaultDialConcurrency = 8
	DefaultRedialDelay     = 10 * time.Second
	DefaultMaxBackoff      = time.Minute

	DefaultProbeAttempts  = 4
	DefaultProbeInterval  = time.Second
	DefaultProbeTimeout   = 5 * time.Second
	DefaultProbeModelName = "intentionally_missing_model"
)

// Dialer opens one call-capable stream to addr. A Connection dials twice, once
// for each call mode.
type Dialer func(ctx context.Context, addr resolver.Address) (transport.Handle, error)

// TCPDialer returns a Dialer that opens framed TCP (or TLS) streams.
func TCPDialer(cfg transport.DialConfig) Dialer {
	return func(ctx context.Context, addr resolver.Address) (transport.Handle, error) {
		t, err := transport.Dial(ctx, addr.String(), cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Config configures a Client. The zero value is usable: every unset field
// takes the default documented on it.
type Config struct {
	// Resolver maps the client's host to addresses. Default: system DNS.
	Resolver resolver.Resolver
	// ResolveTimeout bounds one resolution. Default 5s.
	ResolveTimeout time.Duration
	// ResolveRate throttles the resolution done before each attempt; the
	// resolution after a failed attempt is never throttled. Default: unlimited.
	ResolveRate rate.Limit

	// Dialer overrides how streams are opened. When nil, a TCPDialer is built
	// from TLSConfig, DialTimeout and CodecType.
	Dialer      Dialer
	TLSConfig   *tls.Config
	DialTimeout time.Duration // default 5s
	CodecType   codec.CodecType
	// DialConcurrency bounds how many new addresses are connected at once
	// during one reconcile. Default 8.
	DialConcurrency int
	// RedialDelay is how long an address that failed to dial or failed its
	// health probe is left out before it is dialed again. Default 10s.
	RedialDelay time.Duration

	// MaxAttempts bounds the attempts of one logical call. Default 3.
	MaxAttempts int
	// Backoff is the wait before the second attempt, doubled for each one
	// after that, up to MaxBackoff. Default 0, retry immediately.
	Backoff    time.Duration
	MaxBackoff time.Duration // default 1m
	// AttemptTimeout bounds a single attempt. Default 0, only the caller's
	// context applies.
	AttemptTimeout time.Duration

	HealthCheck HealthCheckConfig

	// Executor runs the calls started with Client.Go. Default: one goroutine
	// per call.
	Executor Executor

	Logger *zap.Logger
	Clock  clockwork.Clock
}

// HealthCheckConfig configures the liveness probe a new Connection must pass
// before it joins the pool. The probe asks for a model that does not exist: a
// NotFound answer proves the server is up and serving.
type HealthCheckConfig struct {
	Disabled  bool
	Attempts  int           // default 4
	Interval  time.Duration // between attempts, default 1s
	Timeout   time.Duration // per attempt, default 5s
	ModelName string        // default "intentionally_missing_model"
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxAttempts < 0 {
		return c, errors.New("client: MaxAttempts must not be negative")
	}
	if c.Backoff < 0 || c.MaxBackoff < 0 || c.AttemptTimeout < 0 || c.DialTimeout < 0 || c.RedialDelay < 0 {
		return c, errors.New("client: durations must not be negative")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Resolver == nil {
		c.Resolver = resolver.NewDNSResolver(nil, "ip")
	}
	if c.ResolveTimeout == 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.ResolveRate == 0 {
		c.ResolveRate = rate.Inf
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.RedialDelay == 0 {
		c.RedialDelay = DefaultRedialDelay
	}
	if c.DialConcurrency <= 0 {
		c.DialConcurrency = DefaultDialConcurrency
	}
	if c.Dialer == nil {
		c.Dialer = TCPDialer(transport.DialConfig{
			Timeout:   c.DialTimeout,
			TLSConfig: c.TLSConfig,
			CodecType: c.CodecType,
			Logger:    c.Logger,
		})
	}
	if c.Executor == nil {
		c.Executor = goExecutor{}
	}

	hc := &c.HealthCheck
	if hc.Attempts <= 0 {
		hc.Attempts = DefaultProbeAttempts
	}
	if hc.Interval <= 0 {
		hc.Interval = DefaultProbeInterval
	}
	if hc.Timeout <= 0 {
		hc.Timeout = DefaultProbeTimeout
	}
	if hc.ModelName == "" {
		hc.ModelName = DefaultProbeModelName
	}
	return c, nil
}
