package client

import (
	"maps"
	"slices"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/message"
)

const DefaultModelName = "default"

// Input is one named input tensor.
type Input struct {
	Name  string
	Value message.Tensor
}

// InputsFromMap turns a name → tensor map into inputs ordered by name.
func InputsFromMap(m map[string]message.Tensor) []Input {
	inputs := make([]Input, 0, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		inputs = append(inputs, Input{Name: name, Value: m[name]})
	}
	return inputs
}

type PredictOption func(*predictOptions)

type predictOptions struct {
	modelName     string
	signatureName string
	outputNames   []string
}

// WithModelName selects the model. Default "default".
func WithModelName(name string) PredictOption {
	return func(o *predictOptions) { o.modelName = name }
}

// WithSignatureName selects a named signature of the model.
func WithSignatureName(name string) PredictOption {
	return func(o *predictOptions) { o.signatureName = name }
}

// WithOutputNames restricts the response to the named outputs.
func WithOutputNames(names ...string) PredictOption {
	return func(o *predictOptions) { o.outputNames = names }
}

func newPredictOptions(opts []PredictOption) predictOptions {
	o := predictOptions{modelName: DefaultModelName}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// newPredictRequest builds the request for inputs. It has no side effects and
// is run once per attempt.
func newPredictRequest(inputs []Input, o predictOptions) (*message.PredictRequest, error) {
	req := &message.PredictRequest{
		ModelSpec: message.ModelSpec{
			Name:          o.modelName,
			SignatureName: o.signatureName,
		},
		Inputs: make(map[string]message.Tensor, len(inputs)),
	}
	for _, in := range inputs {
		if _, dup := req.Inputs[in.Name]; dup {
			return nil, status.Errorf(codes.InvalidArgument, "client: duplicate input %q", in.Name)
		}
		req.Inputs[in.Name] = in.Value
	}
	if len(o.outputNames) > 0 {
		req.OutputFilter = slices.Clone(o.outputNames)
	}
	return req, nil
}

// parsePredictResponse returns the named outputs of resp.
func parsePredictResponse(resp *message.PredictResponse) map[string]message.Tensor {
	outputs := make(map[string]message.Tensor, len(resp.Outputs))
	maps.Copy(outputs, resp.Outputs)
	return outputs
}
