package message

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestPredictRequestWireFormat(t *testing.T) {
	t.Parallel()

	req := PredictRequest{
		ModelSpec:    ModelSpec{Name: "test_model", SignatureName: "test"},
		Inputs:       map[string]Tensor{"a": Scalar(2)},
		OutputFilter: []string{"c"},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"model_spec":{"name":"test_model","signature_name":"test"},"inputs":{"a":{"dtype":"float64","values":[2]}},"output_filter":["c"]}`,
		string(data))
}

func TestTensorLen(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, Scalar(3).Len())
	assert.Equal(t, 4, Vector(1, 2, 3, 4).Len())
	assert.Equal(t, 6, Tensor{Shape: []int64{2, 3}}.Len())
}

func TestVectorCopiesInput(t *testing.T) {
	t.Parallel()

	vs := []float64{1, 2}
	v := Vector(vs...)
	vs[0] = 9
	assert.Equal(t, []float64{1, 2}, v.Values)
}

func TestFailed(t *testing.T) {
	t.Parallel()

	assert.False(t, (&RPCMessage{Payload: []byte("ok")}).Failed())
	assert.True(t, (&RPCMessage{Error: "boom"}).Failed())
	assert.True(t, (&RPCMessage{Code: 5}).Failed())
}

func TestErrorReply(t *testing.T) {
	t.Parallel()

	reply := ErrorReply("PredictionService.Predict", status.Error(codes.NotFound, "Servable not found"))
	assert.Equal(t, "PredictionService.Predict", reply.ServiceMethod)
	assert.Equal(t, uint32(codes.NotFound), reply.Code)
	assert.Equal(t, "Servable not found", reply.Error)
	assert.True(t, reply.Failed())

	plain := ErrorReply("X.Y", errors.New("boom"))
	assert.Equal(t, uint32(codes.Unknown), plain.Code)
	assert.Equal(t, "boom", plain.Error)
}
