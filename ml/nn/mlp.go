package nn

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/masklab/sam/ml"
)

// MLP is a stack of linear stages with rectified-linear activations between
// them. The final stage has no activation unless SigmoidOutput is set, which
// squashes the output into (0, 1).
type MLP struct {
	Layers        []*Linear
	SigmoidOutput bool
}

// NewMLP builds numLayers linear stages mapping in through numLayers-1 hidden
// layers of width hidden to out. numLayers == 1 collapses to a single linear
// map with no activation anywhere.
func NewMLP(in, hidden, out, numLayers int, sigmoidOutput bool) (*MLP, error) {
	if numLayers < 1 {
		return nil, fmt.Errorf("nn: mlp needs at least one layer, got %d", numLayers)
	}

	layers := make([]*Linear, numLayers)
	prev := in
	for i := range layers {
		next := hidden
		if i == numLayers-1 {
			next = out
		}
		layers[i] = NewLinear(prev, next)
		prev = next
	}

	return &MLP{Layers: layers, SigmoidOutput: sigmoidOutput}, nil
}

func (m *MLP) Forward(t *tensor.Dense) (*tensor.Dense, error) {
	var err error
	for i, layer := range m.Layers {
		if t, err = layer.Forward(t); err != nil {
			return nil, err
		}

		if i < len(m.Layers)-1 {
			if t, err = ml.Apply(t, ml.ReLU); err != nil {
				return nil, err
			}
		}
	}

	if m.SigmoidOutput {
		if t, err = ml.Apply(t, ml.Sigmoid); err != nil {
			return nil, err
		}
	}

	return t, nil
}
