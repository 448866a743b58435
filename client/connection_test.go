package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/message"
	"serving-rpc/resolver"
	"serving-rpc/transport"
)

func TestConnectionUsesHandlePerMode(t *testing.T) {
	t.Parallel()

	var dialed []*fakeHandle
	cluster := newFakeCluster("a")
	dial := func(ctx context.Context, addr resolver.Address) (transport.Handle, error) {
		h, err := cluster.Dial(ctx, addr)
		if err == nil {
			dialed = append(dialed, h.(*fakeHandle))
		}
		return h, err
	}

	conn, err := newConnection(context.Background(), resolver.Address{Host: "a", Port: testPort}, dial)
	require.NoError(t, err)
	require.Len(t, dialed, 2)
	assert.Same(t, dialed[0], conn.blocking)
	assert.Same(t, dialed[1], conn.nonBlocking)
	assert.Equal(t, "a:9999", conn.Address().String())

	for _, mode := range []CallMode{Blocking, NonBlocking} {
		var resp message.ListModelsResponse
		require.NoError(t, conn.Invoke(context.Background(), message.MethodListModels, &message.ListModelsRequest{}, &resp, mode), mode)
		assert.Len(t, resp.Models, 1)
	}

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Zero(t, cluster.openStreams())
}

func TestConnectionSecondDialFailure(t *testing.T) {
	t.Parallel()

	cluster := newFakeCluster("a")
	calls := 0
	dial := func(ctx context.Context, addr resolver.Address) (transport.Handle, error) {
		calls++
		if calls == 2 {
			return nil, status.Error(codes.Unavailable, "connection refused")
		}
		return cluster.Dial(ctx, addr)
	}

	_, err := newConnection(context.Background(), resolver.Address{Host: "a", Port: testPort}, dial)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Zero(t, cluster.openStreams())
}

func TestConnectionUndecodableReply(t *testing.T) {
	t.Parallel()

	cluster := newFakeCluster("a")
	cluster.setRespond(func(context.Context, string, string, any) (*message.RPCMessage, error) {
		return &message.RPCMessage{Payload: []byte("{not json")}, nil
	})
	conn := newProbedConnection(t, cluster)

	var resp message.PredictResponse
	err := conn.Invoke(context.Background(), message.MethodPredict, &message.PredictRequest{}, &resp, Blocking)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestCallModeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "blocking", Blocking.String())
	assert.Equal(t, "non-blocking", NonBlocking.String())
}
