package nn

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/masklab/sam/ml"
)

// Linear is a dense affine map over the trailing dimension of its input. The
// weight is stored input-major, [in, out], so a row-major [rows, in] input
// multiplies it directly.
type Linear struct {
	Weight *tensor.Dense // [in, out]
	Bias   *tensor.Dense // [out], optional
}

func NewLinear(in, out int) *Linear {
	return &Linear{
		Weight: ml.Zeros(in, out),
		Bias:   ml.Zeros(out),
	}
}

func (m *Linear) Forward(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	in, out := m.Weight.Shape()[0], m.Weight.Shape()[1]
	if shape[len(shape)-1] != in {
		return nil, fmt.Errorf("nn: linear expects trailing dim %d, got shape %v", in, shape)
	}

	// Flatten leading dims into rows without mutating the caller's tensor.
	rows := shape.TotalSize() / in
	x := tensor.New(tensor.WithShape(rows, in), tensor.WithBacking(ml.Floats(t)))

	y, err := x.MatMul(m.Weight)
	if err != nil {
		return nil, err
	}

	data := ml.Floats(y)
	if m.Bias != nil {
		bias := ml.Floats(m.Bias)
		for r := range rows {
			row := data[r*out : (r+1)*out]
			for j := range row {
				row[j] += bias[j]
			}
		}
	}

	outShape := append(append([]int{}, shape[:len(shape)-1]...), out)
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(data)), nil
}
