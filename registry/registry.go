// Package registry publishes serving instances and lets clients find them.
package registry

import "context"

// ServiceInstance is one server registered under a service name.
type ServiceInstance struct {
	Addr    string `json:"addr"` // host:port, routable from clients
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
