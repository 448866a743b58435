package registry

// etcd is used as the service phonebook:
//
//	Key:   /serving-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registrations hang off TTL leases, so a crashed server's entries expire on
// their own.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/serving-rpc/"

// EtcdConfig configures NewEtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration // default 5s
	Logger      *zap.Logger   // also handed to the etcd client
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger
}

var _ Registry = (*EtcdRegistry)(nil)

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c, logger: cfg.Logger}, nil
}

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive in the background until the process exits.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("registry: marshal instance: %w", err)
	}

	_, err = r.client.Put(ctx, servicePrefix(serviceName)+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("registry: put %s: %w", instance.Addr, err)
	}

	// The keepalive must outlive the registration call.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped",
			zap.String("service", serviceName), zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes an instance, e.g. during graceful shutdown.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	if _, err := r.client.Delete(ctx, servicePrefix(serviceName)+addr); err != nil {
		return fmt.Errorf("registry: delete %s: %w", addr, err)
	}
	return nil
}

// Discover returns all instances currently registered for serviceName.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", serviceName, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full instance list on every change under the service
// prefix and emits it.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("registry watch error", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("registry rediscover failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close closes the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
