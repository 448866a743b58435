package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"serving-rpc/resolver"
)

// Resolver resolves service names through a Registry. The first lookup of a
// name does a Discover and starts a Watch; later lookups are answered from
// the watched snapshot, which keeps per-call resolution cheap.
type Resolver struct {
	reg    Registry
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	snapshots map[string][]ServiceInstance
}

var _ resolver.Resolver = (*Resolver)(nil)

func NewResolver(reg Registry, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		reg:       reg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		snapshots: make(map[string][]ServiceInstance),
	}
}

// Resolve returns the registered addresses of serviceName. The registered
// address already carries a port; port is only used for instances that were
// registered without one.
func (r *Resolver) Resolve(ctx context.Context, serviceName string, port int) ([]resolver.Address, error) {
	r.mu.RLock()
	instances, watched := r.snapshots[serviceName]
	r.mu.RUnlock()

	if !watched {
		var err error
		instances, err = r.reg.Discover(ctx, serviceName)
		if err != nil {
			return nil, err
		}
		r.startWatch(serviceName, instances)
	}
	return r.toAddresses(instances, port), nil
}

func (r *Resolver) startWatch(serviceName string, initial []ServiceInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snapshots[serviceName]; ok {
		return
	}
	r.snapshots[serviceName] = initial

	updates := r.reg.Watch(r.ctx, serviceName)
	if updates == nil {
		return
	}
	go func() {
		for instances := range updates {
			r.mu.Lock()
			r.snapshots[serviceName] = instances
			r.mu.Unlock()
		}
		// Watch ended: forget the snapshot so the next Resolve rediscovers.
		r.mu.Lock()
		delete(r.snapshots, serviceName)
		r.mu.Unlock()
	}()
}

func (r *Resolver) toAddresses(instances []ServiceInstance, port int) []resolver.Address {
	addrs := make([]resolver.Address, 0, len(instances))
	for _, inst := range instances {
		addr, err := resolver.ParseAddress(inst.Addr)
		if err != nil {
			if port == 0 {
				r.logger.Warn("skipping instance without port", zap.String("addr", inst.Addr))
				continue
			}
			addr = resolver.Address{Host: inst.Addr, Port: port}
		}
		addrs = append(addrs, addr)
	}
	return resolver.Dedup(addrs)
}

// Close stops all watches.
func (r *Resolver) Close() error {
	r.cancel()
	return nil
}
