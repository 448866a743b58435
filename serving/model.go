// Package serving implements in-process inference services that speak the
// PredictionService and ModelService wire methods. They back the client's
// tests and small local deployments; models are plain Go functions.
package serving

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"serving-rpc/message"
)

// DefaultSignature is used when a request names no signature.
const DefaultSignature = "serving_default"

// SignatureFunc computes named outputs from named inputs.
type SignatureFunc func(inputs map[string]message.Tensor) (map[string]message.Tensor, error)

// Model is a servable: a name, a version and its callable signatures.
type Model struct {
	Name       string
	Version    int64
	Signatures map[string]SignatureFunc
}

func (m *Model) descriptor() message.ModelDescriptor {
	return message.ModelDescriptor{
		Name:       m.Name,
		Version:    m.Version,
		Signatures: slices.Sorted(maps.Keys(m.Signatures)),
	}
}

// Catalog is the set of models a server exposes. It is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]*Model
}

func NewCatalog(models ...*Model) *Catalog {
	c := &Catalog{models: make(map[string]*Model)}
	for _, m := range models {
		c.Add(m)
	}
	return c
}

// Add registers m, replacing any model with the same name.
func (c *Catalog) Add(m *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.Name] = m
}

// Remove unregisters the named model. It reports whether it was present.
func (c *Catalog) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.models[name]
	delete(c.models, name)
	return ok
}

func (c *Catalog) lookup(name string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[name]
	return m, ok
}

// Models describes every registered model, ordered by name.
func (c *Catalog) Models() []message.ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := slices.Sorted(maps.Keys(c.models))
	descs := make([]message.ModelDescriptor, 0, len(names))
	for _, name := range names {
		descs = append(descs, c.models[name].descriptor())
	}
	return descs
}

// LinearModel returns a model with a single default signature computing
// c = a + 2b elementwise. a and b must have the same number of elements.
func LinearModel(name string) *Model {
	return &Model{
		Name:    name,
		Version: 1,
		Signatures: map[string]SignatureFunc{
			DefaultSignature: func(inputs map[string]message.Tensor) (map[string]message.Tensor, error) {
				a, ok := inputs["a"]
				if !ok {
					return nil, fmt.Errorf("missing input %q", "a")
				}
				b, ok := inputs["b"]
				if !ok {
					return nil, fmt.Errorf("missing input %q", "b")
				}
				if len(a.Values) != len(b.Values) {
					return nil, fmt.Errorf("inputs a and b differ in size: %d != %d", len(a.Values), len(b.Values))
				}
				c := message.Tensor{DType: message.DTypeFloat64, Shape: slices.Clone(a.Shape), Values: make([]float64, len(a.Values))}
				for i := range a.Values {
					c.Values[i] = a.Values[i] + 2*b.Values[i]
				}
				return map[string]message.Tensor{"c": c}, nil
			},
		},
	}
}
