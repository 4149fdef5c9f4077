package maskdecoder

import (
	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/floats"
)

// selectOutputs keeps candidate slots [lo, hi) of the mask and score tensors.
// The slot axis is restored after slicing so a single remaining slot keeps
// its [B, 1, ...] shape.
func selectOutputs(masks, scores *tensor.Dense, lo, hi int) (*tensor.Dense, *tensor.Dense, error) {
	shape := masks.Shape()

	mv, err := masks.Slice(nil, tensor.S(lo, hi))
	if err != nil {
		return nil, nil, err
	}

	m := tensor.Materialize(mv).(*tensor.Dense)
	if err := m.Reshape(shape[0], hi-lo, shape[2], shape[3]); err != nil {
		return nil, nil, err
	}

	sv, err := scores.Slice(nil, tensor.S(lo, hi))
	if err != nil {
		return nil, nil, err
	}

	s := tensor.Materialize(sv).(*tensor.Dense)
	if err := s.Reshape(shape[0], hi-lo); err != nil {
		return nil, nil, err
	}

	return m, s, nil
}

// BestMask returns the index of the candidate with the highest predicted
// quality score, used to rank a single instance's multimask outputs.
func BestMask(scores []float32) int {
	wide := make([]float64, len(scores))
	for i, s := range scores {
		wide[i] = float64(s)
	}

	return floats.MaxIdx(wide)
}
