package nn

import (
	"fmt"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/masklab/sam/ml"
)

// ConvTranspose2D is a transposed convolution over NCHW tensors with a square
// kernel and stride equal to the kernel size, the non-overlapping case used
// for learned upsampling. Each stage scales both spatial dimensions by the
// kernel size.
type ConvTranspose2D struct {
	Weight *tensor.Dense // [in, out, k, k]
	Bias   *tensor.Dense // [out], optional
}

func NewConvTranspose2D(in, out, kernel int) *ConvTranspose2D {
	return &ConvTranspose2D{
		Weight: ml.Zeros(in, out, kernel, kernel),
		Bias:   ml.Zeros(out),
	}
}

func (m *ConvTranspose2D) Forward(t *tensor.Dense) (*tensor.Dense, error) {
	ws, ts := m.Weight.Shape(), t.Shape()
	if len(ts) != 4 {
		return nil, fmt.Errorf("nn: conv transpose expects NCHW input, got shape %v", ts)
	}

	if ts[1] != ws[0] {
		return nil, fmt.Errorf("nn: conv transpose expects %d input channels, got %d", ws[0], ts[1])
	}

	b, cin, h, w := ts[0], ts[1], ts[2], ts[3]
	cout, k := ws[1], ws[2]

	out := ml.Zeros(b, cout, h*k, w*k)
	src, ker, dst := ml.Floats(t), ml.Floats(m.Weight), ml.Floats(out)

	var bias []float32
	if m.Bias != nil {
		bias = ml.Floats(m.Bias)
	}

	// With stride == kernel every input pixel owns a disjoint kxk output
	// patch, so each (instance, channel) plane can be filled independently.
	var g errgroup.Group
	for i := range b {
		g.Go(func() error {
			acc := make([]float32, k*k)
			for o := range cout {
				plane := dst[((i*cout)+o)*h*k*w*k:]
				for y := range h {
					for x := range w {
						for j := range acc {
							acc[j] = 0
						}
						for c := range cin {
							v := src[((i*cin+c)*h+y)*w+x]
							kern := ker[((c*cout+o)*k)*k : ((c*cout+o)*k+k)*k]
							for j, kv := range kern {
								acc[j] += v * kv
							}
						}
						for ki := range k {
							for kj := range k {
								p := acc[ki*k+kj]
								if bias != nil {
									p += bias[o]
								}
								plane[(y*k+ki)*w*k+(x*k+kj)] = p
							}
						}
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}
