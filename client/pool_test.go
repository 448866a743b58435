package client

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"serving-rpc/resolver"
)

func newTestPool(t *testing.T, cluster *fakeCluster, mutate func(*Config)) *pool {
	t.Helper()
	cfg := cluster.config(t)
	if mutate != nil {
		mutate(&cfg)
	}
	cfg, err := cfg.withDefaults()
	require.NoError(t, err)
	p := newPool("localhost", testPort, cfg)
	t.Cleanup(func() { p.close() })
	return p
}

func poolHosts(p *pool) []string {
	var hosts []string
	for _, addr := range p.conns.Keys() {
		hosts = append(hosts, addr.Host)
	}
	return hosts
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	t.Parallel()

	cluster := newFakeCluster("a", "b")
	p := newTestPool(t, cluster, nil)

	require.NoError(t, p.reconcile(context.Background(), true))
	assert.ElementsMatch(t, []string{"a", "b"}, poolHosts(p))

	cluster.reset("a", "c")
	require.NoError(t, p.reconcile(context.Background(), true))
	assert.ElementsMatch(t, []string{"a", "c"}, poolHosts(p))
	// c is new, so it serves next.
	assert.Equal(t, "c", poolHosts(p)[0])
	assert.Equal(t, 4, cluster.openStreams())
}

func TestReconcileUnchangedDoesNotRedial(t *testing.T) {
	t.Parallel()

	cluster := newFakeCluster("a", "b")
	p := newTestPool(t, cluster, nil)
	require.NoError(t, p.reconcile(context.Background(), true))

	before := p.conns.Keys()
	for range 5 {
		require.NoError(t, p.reconcile(context.Background(), true))
	}
	assert.Equal(t, before, p.conns.Keys())

	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	assert.Equal(t, map[string]int{"a:9999": 2, "b:9999": 2}, cluster.dials)
}

func TestReconcileEmptyResolutionEmptiesPool(t *testing.T) {
	t.Parallel()

	cluster := newFakeCluster("a")
	p := newTestPool(t, cluster, nil)
	require.NoError(t, p.reconcile(context.Background(), true))

	cluster.reset()
	require.NoError(t, p.reconcile(context.Background(), true))
	assert.Zero(t, p.conns.Len())
	assert.Zero(t, cluster.openStreams())
}

func TestReconcileSkipsFailingDial(t *testing.T) {
	t.Parallel()

	cluster := newFakeCluster("a", "b")
	cluster.dialErr["b"] = assert.AnError
	clock := clockwork.NewFakeClock()
	p := newTestPool(t, cluster, func(cfg *Config) {
		cfg.Clock = clock
		cfg.RedialDelay = time.Minute
	})

	require.NoError(t, p.reconcile(context.Background(), true))
	assert.Equal(t, []string{"a"}, poolHosts(p))

	cluster.mu.Lock()
	delete(cluster.dialErr, "b")
	cluster.mu.Unlock()

	// The failed address waits out the redial delay.
	require.NoError(t, p.reconcile(context.Background(), true))
	assert.Equal(t, []string{"a"}, poolHosts(p))

	clock.Advance(time.Minute)
	require.NoError(t, p.reconcile(context.Background(), true))
	assert.ElementsMatch(t, []string{"a", "b"}, poolHosts(p))
}

func TestReconcileForgetsFailedAddressThatLeaves(t *testing.T) {
	t.Parallel()

	cluster := newFakeCluster("a", "b")
	cluster.dialErr["b"] = assert.AnError
	p := newTestPool(t, cluster, nil)
	require.NoError(t, p.reconcile(context.Background(), true))

	cluster.reset("a")
	require.NoError(t, p.reconcile(context.Background(), true))
	p.mu.Lock()
	assert.Empty(t, p.failed)
	p.mu.Unlock()

	// Back in DNS, it is dialed right away.
	cluster.mu.Lock()
	delete(cluster.dialErr, "b")
	cluster.mu.Unlock()
	cluster.reset("a", "b")
	require.NoError(t, p.reconcile(context.Background(), true))
	assert.ElementsMatch(t, []string{"a", "b"}, poolHosts(p))
}

func TestReconcileResolveRate(t *testing.T) {
	t.Parallel()

	cluster := newFakeCluster("a")
	p := newTestPool(t, cluster, func(cfg *Config) {
		cfg.ResolveRate = rate.Every(time.Hour)
	})

	require.NoError(t, p.reconcile(context.Background(), false)) // uses the single token
	cluster.reset("b")
	require.NoError(t, p.reconcile(context.Background(), false)) // throttled
	assert.Equal(t, []string{"a"}, poolHosts(p))

	require.NoError(t, p.reconcile(context.Background(), true))
	assert.Equal(t, []string{"b"}, poolHosts(p))

	cluster.mu.Lock()
	defer cluster.mu.Unlock()
	assert.Equal(t, 2, cluster.resolves)
}

func TestReconcileAfterClose(t *testing.T) {
	t.Parallel()

	cluster := newFakeCluster("a")
	p := newTestPool(t, cluster, nil)
	require.NoError(t, p.reconcile(context.Background(), true))
	require.NoError(t, p.close())

	cluster.reset("b")
	assert.ErrorIs(t, p.reconcile(context.Background(), true), ErrClosed)
	assert.Zero(t, cluster.openStreams())
}

func TestSameMembers(t *testing.T) {
	t.Parallel()

	a := resolver.Address{Host: "a", Port: 1}
	b := resolver.Address{Host: "b", Port: 1}
	c := resolver.Address{Host: "c", Port: 1}

	assert.True(t, sameMembers(nil, nil))
	assert.True(t, sameMembers([]resolver.Address{a, b}, []resolver.Address{b, a}))
	assert.False(t, sameMembers([]resolver.Address{a, b}, []resolver.Address{a, c}))
	assert.False(t, sameMembers([]resolver.Address{a}, []resolver.Address{a, b}))
}
