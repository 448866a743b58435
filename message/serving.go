package message

// Wire names of the inference server's methods.
const (
	MethodPredict    = "PredictionService.Predict"
	MethodListModels = "ModelService.ListModels"
)

// DTypeFloat64 is the only element type the mock server computes with; other
// dtypes are carried through untouched.
const DTypeFloat64 = "float64"

// Tensor is a dense numeric array in row-major order. A scalar has an empty Shape.
type Tensor struct {
	DType  string    `json:"dtype"`
	Shape  []int64   `json:"shape,omitempty"`
	Values []float64 `json:"values"`
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float64) Tensor {
	return Tensor{DType: DTypeFloat64, Values: []float64{v}}
}

// Vector returns a rank-1 tensor holding vs.
func Vector(vs ...float64) Tensor {
	return Tensor{DType: DTypeFloat64, Shape: []int64{int64(len(vs))}, Values: append([]float64(nil), vs...)}
}

// Len returns the number of elements the shape describes.
func (t Tensor) Len() int {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

// ModelSpec selects a model and, optionally, one of its signatures.
// An empty SignatureName means the model's default signature.
type ModelSpec struct {
	Name          string `json:"name"`
	SignatureName string `json:"signature_name,omitempty"`
	Version       int64  `json:"version,omitempty"`
}

type PredictRequest struct {
	ModelSpec    ModelSpec         `json:"model_spec"`
	Inputs       map[string]Tensor `json:"inputs"`
	OutputFilter []string          `json:"output_filter,omitempty"`
}

type PredictResponse struct {
	ModelSpec ModelSpec         `json:"model_spec"`
	Outputs   map[string]Tensor `json:"outputs"`
}

type ListModelsRequest struct{}

type ListModelsResponse struct {
	Models []ModelDescriptor `json:"models"`
}

// ModelDescriptor describes one servable model.
type ModelDescriptor struct {
	Name       string   `json:"name"`
	Version    int64    `json:"version"`
	Signatures []string `json:"signatures"`
}
