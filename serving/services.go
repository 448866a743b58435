package serving

import (
	"cmp"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/message"
)

// PredictionService answers PredictionService.Predict.
type PredictionService struct {
	catalog *Catalog
}

func NewPredictionService(catalog *Catalog) *PredictionService {
	return &PredictionService{catalog: catalog}
}

// Predict runs the requested signature of the requested model. Unknown models
// fail with NotFound; unknown signatures, failing signatures and unknown
// output names fail with InvalidArgument.
func (s *PredictionService) Predict(args *message.PredictRequest, reply *message.PredictResponse) error {
	model, ok := s.catalog.lookup(args.ModelSpec.Name)
	if !ok {
		return status.Errorf(codes.NotFound, "Servable not found for request: Latest(%s)", args.ModelSpec.Name)
	}
	sigName := cmp.Or(args.ModelSpec.SignatureName, DefaultSignature)
	sig, ok := model.Signatures[sigName]
	if !ok {
		return status.Errorf(codes.InvalidArgument, "Serving signature name: %q not found in signature def", sigName)
	}

	outputs, err := sig(args.Inputs)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%s/%s: %v", model.Name, sigName, err)
	}
	if outputs, err = filterOutputs(outputs, args.OutputFilter); err != nil {
		return err
	}

	reply.ModelSpec = message.ModelSpec{Name: model.Name, SignatureName: sigName, Version: model.Version}
	reply.Outputs = outputs
	return nil
}

func filterOutputs(outputs map[string]message.Tensor, names []string) (map[string]message.Tensor, error) {
	if len(names) == 0 {
		return outputs, nil
	}
	filtered := make(map[string]message.Tensor, len(names))
	for _, name := range names {
		t, ok := outputs[name]
		if !ok {
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("output tensor alias not found in signature: %s", name))
		}
		filtered[name] = t
	}
	return filtered, nil
}

// ModelService answers ModelService.ListModels.
type ModelService struct {
	catalog *Catalog
}

func NewModelService(catalog *Catalog) *ModelService {
	return &ModelService{catalog: catalog}
}

func (s *ModelService) ListModels(args *message.ListModelsRequest, reply *message.ListModelsResponse) error {
	reply.Models = s.catalog.Models()
	return nil
}
