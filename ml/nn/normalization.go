package nn

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"

	"github.com/masklab/sam/ml"
)

// LayerNorm2D normalizes each spatial position of an NCHW tensor across the
// channel axis, then applies a per-channel scale and shift.
type LayerNorm2D struct {
	Weight *tensor.Dense // [channels]
	Bias   *tensor.Dense // [channels]
}

func NewLayerNorm2D(channels int) *LayerNorm2D {
	return &LayerNorm2D{
		Weight: tensor.Ones(tensor.Float32, channels),
		Bias:   ml.Zeros(channels),
	}
}

func (m *LayerNorm2D) Forward(t *tensor.Dense, eps float32) (*tensor.Dense, error) {
	ts := t.Shape()
	if len(ts) != 4 {
		return nil, fmt.Errorf("nn: layer norm expects NCHW input, got shape %v", ts)
	}

	channels := m.Weight.Shape()[0]
	if ts[1] != channels {
		return nil, fmt.Errorf("nn: layer norm expects %d channels, got %d", channels, ts[1])
	}

	b, c, h, w := ts[0], ts[1], ts[2], ts[3]
	src := ml.Floats(t)
	weight, bias := ml.Floats(m.Weight), ml.Floats(m.Bias)

	out := ml.Zeros(b, c, h, w)
	dst := ml.Floats(out)

	plane := h * w
	for i := range b {
		for p := range plane {
			var mean float32
			for j := range c {
				mean += src[(i*c+j)*plane+p]
			}
			mean /= float32(c)

			var variance float32
			for j := range c {
				d := src[(i*c+j)*plane+p] - mean
				variance += d * d
			}
			variance /= float32(c)

			inv := 1 / math32.Sqrt(variance+eps)
			for j := range c {
				idx := (i*c+j)*plane + p
				dst[idx] = (src[idx]-mean)*inv*weight[j] + bias[j]
			}
		}
	}

	return out, nil
}
