package client

import (
	"context"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"serving-rpc/codec"
	"serving-rpc/message"
	"serving-rpc/middleware"
	"serving-rpc/registry"
	"serving-rpc/resolver"
	"serving-rpc/server"
	"serving-rpc/serving"
)

// startInferenceServer serves test_model on a loopback port, with the
// middleware stack a deployment would use.
func startInferenceServer(t testing.TB, reg registry.Registry) (*server.Server, int) {
	t.Helper()

	catalog := serving.NewCatalog(serving.LinearModel("test_model"))
	svr := server.NewServer(nil)
	svr.Use(middleware.LoggingMiddleware(zap.NewNop()))
	svr.Use(middleware.TimeoutMiddleware(time.Second))
	require.NoError(t, svr.Register(serving.NewPredictionService(catalog)))
	require.NoError(t, svr.Register(serving.NewModelService(catalog)))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l, l.Addr().String(), reg)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, l.Addr().(*net.TCPAddr).Port
}

func TestPredictThroughServer(t *testing.T) {
	_, port := startInferenceServer(t, nil)

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			c, err := NewClient(context.Background(), "localhost", port, Config{
				Resolver:  resolver.Static{"127.0.0.1"},
				CodecType: ct,
			})
			require.NoError(t, err)
			defer c.Close()

			inputs := InputsFromMap(map[string]message.Tensor{"a": message.Scalar(2), "b": message.Scalar(3)})
			outputs, err := c.Predict(context.Background(), inputs, WithModelName("test_model"), WithOutputNames("c"))
			require.NoError(t, err)
			assert.Equal(t, map[string]message.Tensor{"c": {DType: message.DTypeFloat64, Values: []float64{8}}}, outputs)

			outputs, err = c.Go(context.Background(), inputs, WithModelName("test_model")).Wait()
			require.NoError(t, err)
			assert.Equal(t, []float64{8}, outputs["c"].Values)

			models, err := c.ListModels(context.Background())
			require.NoError(t, err)
			require.Len(t, models, 1)
			assert.Equal(t, "test_model", models[0].Name)
		})
	}
}

func TestNotFoundThroughServer(t *testing.T) {
	_, port := startInferenceServer(t, nil)

	c, err := NewClient(context.Background(), "localhost", port, Config{Resolver: resolver.Static{"127.0.0.1"}})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Predict(context.Background(), testInputs(), WithModelName("missing"))
	assert.Equal(t, codes.NotFound, Code(err))
}

// memRegistry is an in-memory Registry. Watch re-reads the instance list
// after every change, as the etcd implementation does.
type memRegistry struct {
	mu        sync.Mutex
	instances map[string][]registry.ServiceInstance
	subs      []chan struct{}
}

func (m *memRegistry) Register(_ context.Context, name string, inst registry.ServiceInstance, _ int64) error {
	m.mu.Lock()
	m.instances[name] = append(m.instances[name], inst)
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *memRegistry) Deregister(_ context.Context, name string, addr string) error {
	m.mu.Lock()
	m.instances[name] = slices.DeleteFunc(m.instances[name], func(inst registry.ServiceInstance) bool {
		return inst.Addr == addr
	})
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *memRegistry) Discover(_ context.Context, name string) ([]registry.ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.instances[name]), nil
}

func (m *memRegistry) Watch(ctx context.Context, name string) <-chan []registry.ServiceInstance {
	changed := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, changed)
	m.mu.Unlock()

	out := make(chan []registry.ServiceInstance)
	go func() {
		defer close(out)
		for {
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
			instances, _ := m.Discover(ctx, name)
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *memRegistry) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Two servers register themselves; one shuts down and the client keeps
// serving from the other.
func TestRegistryDiscoveryFailover(t *testing.T) {
	reg := &memRegistry{instances: make(map[string][]registry.ServiceInstance)}
	svr1, _ := startInferenceServer(t, reg)
	startInferenceServer(t, reg)

	require.Eventually(t, func() bool {
		insts, _ := reg.Discover(context.Background(), "PredictionService")
		return len(insts) == 2
	}, time.Second, 10*time.Millisecond)

	res := registry.NewResolver(reg, nil)
	defer res.Close()
	c, err := NewClient(context.Background(), "PredictionService", 8500, Config{Resolver: res})
	require.NoError(t, err)
	defer c.Close()
	require.Len(t, c.Addresses(), 2)

	predict := func() error {
		_, err := c.Predict(context.Background(), testInputs(), WithModelName("test_model"))
		return err
	}
	for range 4 {
		require.NoError(t, predict())
	}

	require.NoError(t, svr1.Shutdown(time.Second))

	require.Eventually(t, func() bool {
		return predict() == nil && len(c.Addresses()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	for range 4 {
		require.NoError(t, predict())
	}
}
