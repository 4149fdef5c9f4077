package ml

import (
	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
)

// Activation is a pointwise non-linearity over float32 elements.
type Activation func(float32) float32

func ReLU(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

func GELU(x float32) float32 {
	return 0.5 * x * (1 + math32.Erf(x/math32.Sqrt2))
}

func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Apply maps fn over every element of t into a new tensor.
func Apply(t *tensor.Dense, fn Activation) (*tensor.Dense, error) {
	out, err := t.Apply(func(x float32) float32 { return fn(x) })
	if err != nil {
		return nil, err
	}
	return out.(*tensor.Dense), nil
}
