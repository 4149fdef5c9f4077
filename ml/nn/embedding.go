package nn

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/masklab/sam/ml"
)

// Embedding is a fixed-size table of learned vectors indexed by small ids.
type Embedding struct {
	Weight *tensor.Dense // [rows, dim]
}

func NewEmbedding(rows, dim int) *Embedding {
	return &Embedding{Weight: ml.Zeros(rows, dim)}
}

// Forward gathers the given rows into a [len(rows), dim] tensor.
func (m *Embedding) Forward(rows ...int) (*tensor.Dense, error) {
	ws := m.Weight.Shape()
	n, dim := ws[0], ws[1]

	src := ml.Floats(m.Weight)
	out := ml.Zeros(len(rows), dim)
	dst := ml.Floats(out)
	for i, row := range rows {
		if row < 0 || row >= n {
			return nil, fmt.Errorf("nn: embedding row %d out of range [0, %d)", row, n)
		}

		copy(dst[i*dim:(i+1)*dim], src[row*dim:(row+1)*dim])
	}

	return out, nil
}
