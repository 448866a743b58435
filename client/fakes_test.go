package client

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/message"
	"serving-rpc/resolver"
	"serving-rpc/serving"
	"serving-rpc/transport"
)

const testPort = 9999

// respondFunc answers one call made on a fake stream.
type respondFunc func(ctx context.Context, addr string, serviceMethod string, args any) (*message.RPCMessage, error)

// fakeCluster stands in for DNS and a set of inference servers. Every address
// it resolves to serves test_model through serving.PredictionService unless
// respond is set.
type fakeCluster struct {
	mu         sync.Mutex
	hosts      []string
	resolveErr error
	dialErr    map[string]error
	respond    respondFunc

	resolves int
	dials    map[string]int
	calls    map[string]int // Predict calls on each address, probes excluded
	probes   map[string]int
	open     int

	predict *serving.PredictionService
	models  *serving.ModelService
}

func newFakeCluster(hosts ...string) *fakeCluster {
	catalog := serving.NewCatalog(serving.LinearModel("test_model"))
	return &fakeCluster{
		hosts:   hosts,
		dialErr: make(map[string]error),
		dials:   make(map[string]int),
		calls:   make(map[string]int),
		probes:  make(map[string]int),
		predict: serving.NewPredictionService(catalog),
		models:  serving.NewModelService(catalog),
	}
}

// reset changes what the host resolves to.
func (f *fakeCluster) reset(hosts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = hosts
}

func (f *fakeCluster) setRespond(fn respondFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeCluster) callCount(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[resolver.Address{Host: host, Port: testPort}.String()]
}

func (f *fakeCluster) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeCluster) openStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeCluster) Resolve(_ context.Context, _ string, port int) ([]resolver.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	addrs := make([]resolver.Address, len(f.hosts))
	for i, h := range f.hosts {
		addrs[i] = resolver.Address{Host: h, Port: port}
	}
	return addrs, nil
}

func (f *fakeCluster) Dial(_ context.Context, addr resolver.Address) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.dialErr[addr.Host]; err != nil {
		return nil, err
	}
	f.dials[addr.String()]++
	f.open++
	return &fakeHandle{cluster: f, addr: addr.String()}, nil
}

// config returns a Config wired to the cluster with health probes disabled.
func (f *fakeCluster) config(t *testing.T) Config {
	return Config{
		Resolver:    f,
		Dialer:      f.Dial,
		HealthCheck: HealthCheckConfig{Disabled: true},
		Logger:      zaptest.NewLogger(t),
		Clock:       clockwork.NewFakeClock(),
	}
}

func (f *fakeCluster) serve(serviceMethod string, args any) (*message.RPCMessage, error) {
	var (
		reply any
		err   error
	)
	switch serviceMethod {
	case message.MethodPredict:
		var resp message.PredictResponse
		err = f.predict.Predict(args.(*message.PredictRequest), &resp)
		reply = &resp
	case message.MethodListModels:
		var resp message.ListModelsResponse
		err = f.models.ListModels(args.(*message.ListModelsRequest), &resp)
		reply = &resp
	default:
		err = status.Errorf(codes.Unimplemented, "unknown method %s", serviceMethod)
	}
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	return &message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}, nil
}

type fakeHandle struct {
	cluster *fakeCluster
	addr    string

	mu     sync.Mutex
	closed bool
}

func (h *fakeHandle) Call(ctx context.Context, serviceMethod string, args any) (*message.RPCMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()

	f := h.cluster
	f.mu.Lock()
	if closed {
		f.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if req, ok := args.(*message.PredictRequest); ok && req.ModelSpec.Name == DefaultProbeModelName {
		f.probes[h.addr]++
	} else if serviceMethod == message.MethodPredict {
		f.calls[h.addr]++
	}
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(ctx, h.addr, serviceMethod, args)
	}
	return f.serve(serviceMethod, args)
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("fake: already closed")
	}
	h.closed = true

	h.cluster.mu.Lock()
	h.cluster.open--
	h.cluster.mu.Unlock()
	return nil
}

// failWith makes every call fail with err. Probes still succeed so addresses
// can join the pool.
func failWith(err error) respondFunc {
	return func(_ context.Context, _ string, _ string, args any) (*message.RPCMessage, error) {
		if req, ok := args.(*message.PredictRequest); ok && req.ModelSpec.Name == DefaultProbeModelName {
			return nil, status.Error(codes.NotFound, "Servable not found")
		}
		return nil, err
	}
}

// block makes every call wait until its context is done.
func block(started chan<- struct{}) respondFunc {
	return func(ctx context.Context, _ string, _ string, _ any) (*message.RPCMessage, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func testInputs() []Input {
	return InputsFromMap(map[string]message.Tensor{
		"a": message.Scalar(2),
		"b": message.Scalar(3),
	})
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), "localhost", testPort, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func hostsOf(c *Client) []string {
	addrs := c.Addresses()
	hosts := make([]string, len(addrs))
	for i, a := range addrs {
		addr, _ := resolver.ParseAddress(a)
		hosts[i] = addr.Host
	}
	slices.Sort(hosts)
	return hosts
}
