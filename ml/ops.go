// Package ml provides the tensor operations the model layers are built from.
// Tensors are float32 *tensor.Dense in row-major order; image-like tensors use
// the NCHW layout.
package ml

import (
	"fmt"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"
)

// Zeros allocates a zero-filled float32 tensor of the given shape.
func Zeros(shape ...int) *tensor.Dense {
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...))
}

// Floats returns the flat row-major backing of t. t must be contiguous; views
// from Slice must be materialized first.
func Floats(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// RepeatInterleave repeats each sub-tensor along the leading axis n times
// consecutively, growing the leading dimension from B to B*n. This is the
// broadcast used to expand per-image tensors to per-prompt-instance tensors.
func RepeatInterleave(t *tensor.Dense, n int) (*tensor.Dense, error) {
	if n < 1 {
		return nil, fmt.Errorf("ml: repeat count must be positive, got %d", n)
	}

	if n == 1 {
		return t, nil
	}

	out, err := t.Repeat(0, n)
	if err != nil {
		return nil, err
	}

	return out.(*tensor.Dense), nil
}

// TokensToImage rearranges a flattened token sequence [B, H*W, C] into the
// NCHW feature map [B, C, H, W] it was flattened from.
func TokensToImage(t *tensor.Dense, h, w int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 3 || shape[1] != h*w {
		return nil, fmt.Errorf("ml: cannot rearrange shape %v into a %dx%d feature map", shape, h, w)
	}

	b, c := shape[0], shape[2]
	src := Floats(t)
	out := Zeros(b, c, h, w)
	dst := Floats(out)
	for i := range b {
		for p := range h * w {
			for j := range c {
				dst[(i*c+j)*h*w+p] = src[(i*h*w+p)*c+j]
			}
		}
	}

	return out, nil
}

// BatchedMatMul multiplies a [B, M, K] with b [B, K, N] instance by instance,
// producing [B, M, N]. Instances are independent and run concurrently.
func BatchedMatMul(a, b *tensor.Dense) (*tensor.Dense, error) {
	as, bs := a.Shape(), b.Shape()
	if len(as) != 3 || len(bs) != 3 || as[0] != bs[0] || as[2] != bs[1] {
		return nil, fmt.Errorf("ml: cannot batch-multiply %v by %v", as, bs)
	}

	batch, m, k, n := as[0], as[1], as[2], bs[2]
	out := Zeros(batch, m, n)
	dst := Floats(out)

	var g errgroup.Group
	for i := range batch {
		g.Go(func() error {
			lhs, err := slice2D(a, i, m, k)
			if err != nil {
				return err
			}

			rhs, err := slice2D(b, i, k, n)
			if err != nil {
				return err
			}

			prod, err := lhs.MatMul(rhs)
			if err != nil {
				return err
			}

			copy(dst[i*m*n:(i+1)*m*n], Floats(prod))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// slice2D extracts instance i of a [B, r, c] tensor as a materialized [r, c] matrix.
func slice2D(t *tensor.Dense, i, r, c int) (*tensor.Dense, error) {
	v, err := t.Slice(tensor.S(i, i+1))
	if err != nil {
		return nil, err
	}

	d := tensor.Materialize(v).(*tensor.Dense)
	if err := d.Reshape(r, c); err != nil {
		return nil, err
	}

	return d, nil
}
