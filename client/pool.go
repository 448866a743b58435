package client

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"serving-rpc/loadbalance"
	"serving-rpc/resolver"
)

// pool keeps one Connection per address the host resolves to.
type pool struct {
	host string
	port int

	resolver        resolver.Resolver
	resolveTimeout  time.Duration
	limiter         *rate.Limiter
	dial            Dialer
	dialConcurrency int
	redialDelay     time.Duration
	health          HealthCheckConfig
	clock           clockwork.Clock
	logger          *zap.Logger

	conns    *loadbalance.RoundRobinMap[resolver.Address, *Connection]
	resolves singleflight.Group

	mu      sync.Mutex // serializes membership changes
	wanted  map[resolver.Address]bool
	dialing map[resolver.Address]chan struct{} // closed when the dial settles
	failed  map[resolver.Address]time.Time     // not dialed again before this time
	closed  bool
}

func newPool(host string, port int, cfg Config) *pool {
	return &pool{
		host:            host,
		port:            port,
		resolver:        cfg.Resolver,
		resolveTimeout:  cfg.ResolveTimeout,
		limiter:         rate.NewLimiter(cfg.ResolveRate, 1),
		dial:            cfg.Dialer,
		dialConcurrency: cfg.DialConcurrency,
		redialDelay:     cfg.RedialDelay,
		health:          cfg.HealthCheck,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		conns:           loadbalance.NewRoundRobinMap[resolver.Address, *Connection](),
		dialing:         make(map[resolver.Address]chan struct{}),
		failed:          make(map[resolver.Address]time.Time),
	}
}

// reconcile brings the pool in line with a fresh resolution of the host:
// connections to vanished addresses are closed and removed, new addresses
// are dialed and inserted. When membership is unchanged nothing is touched;
// addresses that recently failed to connect count as members until their
// redial delay passes.
// An unforced reconcile may be skipped entirely by the resolve rate limit.
func (p *pool) reconcile(ctx context.Context, force bool) error {
	if !force && !p.limiter.Allow() {
		return nil
	}

	addrs, err := p.resolve(ctx)
	if err != nil {
		return err
	}
	if sameMembers(p.known(), addrs) {
		return nil
	}

	fresh, pending, err := p.applyResolution(addrs)
	if err != nil {
		return err
	}
	if len(fresh) > 0 {
		p.connect(ctx, fresh)
	}
	// With nothing servable yet, wait for dials other callers started rather
	// than burn an attempt on an empty pool.
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// known returns the connected addresses plus those still waiting out a
// failed connect.
func (p *pool) known() []resolver.Address {
	keys := p.conns.Keys()

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	for addr, retryAt := range p.failed {
		if now.Before(retryAt) {
			keys = append(keys, addr)
		}
	}
	return keys
}

// resolve looks the host up, sharing one lookup among concurrent callers.
// The shared lookup runs detached from any single caller's cancellation.
func (p *pool) resolve(ctx context.Context) ([]resolver.Address, error) {
	ch := p.resolves.DoChan(p.host, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.resolveTimeout)
		defer cancel()
		addrs, err := p.resolver.Resolve(rctx, p.host, p.port)
		if err != nil {
			return nil, err
		}
		return resolver.Dedup(addrs), nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]resolver.Address), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// applyResolution removes stale connections and returns the addresses that
// need dialing. Addresses already being dialed by another reconcile are left
// to it; when no wanted address is connected, the completion channels of
// those dials are returned as pending.
func (p *pool) applyResolution(addrs []resolver.Address) (fresh []resolver.Address, pending []chan struct{}, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrClosed
	}

	p.wanted = make(map[resolver.Address]bool, len(addrs))
	for _, addr := range addrs {
		p.wanted[addr] = true
	}

	present := make(map[resolver.Address]bool)
	for _, addr := range p.conns.Keys() {
		if p.wanted[addr] {
			present[addr] = true
			continue
		}
		if conn, ok := p.conns.Remove(addr); ok {
			p.logger.Info("removing connection", zap.String("host", p.host), zap.Stringer("addr", addr))
			conn.Close()
		}
	}

	now := p.clock.Now()
	for addr, retryAt := range p.failed {
		if !p.wanted[addr] || !now.Before(retryAt) {
			delete(p.failed, addr)
		}
	}

	for _, addr := range addrs {
		if present[addr] {
			continue
		}
		if _, ok := p.failed[addr]; ok {
			continue
		}
		if done, ok := p.dialing[addr]; ok {
			pending = append(pending, done)
			continue
		}
		p.dialing[addr] = make(chan struct{})
		fresh = append(fresh, addr)
	}
	if len(present) > 0 {
		pending = nil
	}
	return fresh, pending, nil
}

// connect dials and probes addrs concurrently, inserting each Connection as
// soon as it is ready. Addresses that fail are logged and left out until the
// redial delay passes.
func (p *pool) connect(ctx context.Context, addrs []resolver.Address) {
	var g errgroup.Group
	g.SetLimit(p.dialConcurrency)

	for _, addr := range addrs {
		g.Go(func() error {
			conn, err := p.establish(ctx, addr)

			p.mu.Lock()
			defer p.mu.Unlock()
			close(p.dialing[addr])
			delete(p.dialing, addr)

			if err != nil {
				p.logger.Warn("cannot connect", zap.String("host", p.host), zap.Stringer("addr", addr), zap.Error(err))
				if ctx.Err() == nil {
					p.failed[addr] = p.clock.Now().Add(p.redialDelay)
				}
				return nil
			}
			if p.closed || !p.wanted[addr] {
				// Resolution moved on while we were dialing.
				conn.Close()
				return nil
			}
			if old, replaced := p.conns.Put(addr, conn); replaced {
				old.Close()
			}
			p.logger.Info("added connection", zap.String("host", p.host), zap.Stringer("addr", addr))
			return nil
		})
	}
	_ = g.Wait()
}

func (p *pool) establish(ctx context.Context, addr resolver.Address) (*Connection, error) {
	conn, err := newConnection(ctx, addr, p.dial)
	if err != nil {
		return nil, err
	}
	if p.health.Disabled {
		return conn, nil
	}
	if err := probe(ctx, conn, p.health, p.clock, p.logger); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// close removes and releases every connection. Connections still being
// dialed are released when their dial completes.
func (p *pool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	for _, addr := range p.conns.Keys() {
		if conn, ok := p.conns.Remove(addr); ok {
			err = multierr.Append(err, conn.Close())
		}
	}
	return err
}

func (p *pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// sameMembers reports whether current and resolved hold the same addresses.
// resolved must be free of duplicates.
func sameMembers(current, resolved []resolver.Address) bool {
	if len(current) != len(resolved) {
		return false
	}
	set := make(map[resolver.Address]struct{}, len(current))
	for _, addr := range current {
		set[addr] = struct{}{}
	}
	for _, addr := range resolved {
		if _, ok := set[addr]; !ok {
			return false
		}
	}
	return true
}
