// Package resolver turns a hostname into the set of addresses currently
// serving it.
package resolver

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// Address is one resolved endpoint. It is comparable and used as a map key.
type Address struct {
	Host string // IP literal for DNS results, any dialable host otherwise
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses "host:port".
func ParseAddress(hostPort string) (Address, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Address{}, fmt.Errorf("resolver: %w", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Address{}, fmt.Errorf("resolver: invalid port in %q", hostPort)
	}
	return Address{Host: host, Port: p}, nil
}

// Resolver resolves host to the addresses currently serving it, each with
// the given port. An empty result with a nil error means nothing is serving.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) ([]Address, error)
}

// Func adapts a plain function to Resolver.
type Func func(ctx context.Context, host string, port int) ([]Address, error)

func (f Func) Resolve(ctx context.Context, host string, port int) ([]Address, error) {
	return f(ctx, host, port)
}

// Static always resolves to the same hosts, ignoring the requested name.
type Static []string

func (s Static) Resolve(_ context.Context, _ string, port int) ([]Address, error) {
	result := make([]Address, len(s))
	for i, host := range s {
		result[i] = Address{Host: host, Port: port}
	}
	return result, nil
}

type dnsResolver struct {
	resolver *net.Resolver
	network  string
}

// NewDNSResolver resolves names with r (net.DefaultResolver when nil). network
// must be one of "ip", "ip4" or "ip6".
func NewDNSResolver(r *net.Resolver, network string) Resolver {
	if r == nil {
		r = net.DefaultResolver
	}
	if network == "" {
		network = "ip"
	}
	return &dnsResolver{resolver: r, network: network}
}

func (r *dnsResolver) Resolve(ctx context.Context, host string, port int) ([]Address, error) {
	ips, err := r.resolver.LookupNetIP(ctx, r.network, host)
	if err != nil {
		return nil, fmt.Errorf("resolver: lookup %s: %w", host, err)
	}
	result := make([]Address, 0, len(ips))
	for _, ip := range ips {
		result = append(result, Address{Host: ip.Unmap().String(), Port: port})
	}
	return Dedup(result), nil
}

// Dedup sorts addrs and drops duplicates.
func Dedup(addrs []Address) []Address {
	slices.SortFunc(addrs, func(a, b Address) int {
		if c := strings.Compare(a.Host, b.Host); c != 0 {
			return c
		}
		return a.Port - b.Port
	})
	return slices.Compact(addrs)
}
