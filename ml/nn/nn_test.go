package nn_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/require"

	"github.com/masklab/sam/ml"
	"github.com/masklab/sam/ml/nn"
)

func newTensor(shape []int, data []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func TestLinearForward(t *testing.T) {
	layer := &nn.Linear{
		Weight: newTensor([]int{2, 3}, []float32{
			1, 0, 1,
			0, 1, 1,
		}),
		Bias: newTensor([]int{3}, []float32{0.5, -0.5, 0}),
	}

	out, err := layer.Forward(newTensor([]int{2, 2}, []float32{1, 2, 3, 4}))
	require.NoError(t, err)

	require.Equal(t, []int{2, 3}, []int(out.Shape()))
	if diff := cmp.Diff([]float32{1.5, 1.5, 3, 3.5, 3.5, 7}, ml.Floats(out)); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestLinearKeepsLeadingDims(t *testing.T) {
	layer := &nn.Linear{
		Weight: newTensor([]int{2, 1}, []float32{1, 1}),
	}

	out, err := layer.Forward(newTensor([]int{2, 2, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, err)

	require.Equal(t, []int{2, 2, 1}, []int(out.Shape()))
	if diff := cmp.Diff([]float32{3, 7, 11, 15}, ml.Floats(out)); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestLinearRejectsDimMismatch(t *testing.T) {
	layer := nn.NewLinear(4, 2)

	_, err := layer.Forward(newTensor([]int{1, 3}, make([]float32, 3)))
	require.ErrorContains(t, err, "trailing dim 4")
}

func TestMLPSingleLayerIsLinear(t *testing.T) {
	mlp, err := nn.NewMLP(2, 16, 2, 1, false)
	require.NoError(t, err)
	require.Len(t, mlp.Layers, 1)

	copy(ml.Floats(mlp.Layers[0].Weight), []float32{
		1, 0,
		0, 1,
	})

	// Negative values pass through untouched: a single stage has no
	// activation anywhere.
	out, err := mlp.Forward(newTensor([]int{1, 2}, []float32{-5, 3}))
	require.NoError(t, err)

	if diff := cmp.Diff([]float32{-5, 3}, ml.Floats(out)); diff != "" {
		t.Errorf("single layer output (-want +got):\n%s", diff)
	}
}

func TestMLPRectifiesBetweenStages(t *testing.T) {
	mlp, err := nn.NewMLP(2, 2, 1, 2, false)
	require.NoError(t, err)

	copy(ml.Floats(mlp.Layers[0].Weight), []float32{
		1, 0,
		0, 1,
	})
	copy(ml.Floats(mlp.Layers[1].Weight), []float32{1, 1})

	// The hidden activations are [-5, 3]; rectification drops the negative
	// component before the final stage sums them.
	out, err := mlp.Forward(newTensor([]int{1, 2}, []float32{-5, 3}))
	require.NoError(t, err)

	if diff := cmp.Diff([]float32{3}, ml.Floats(out)); diff != "" {
		t.Errorf("rectified output (-want +got):\n%s", diff)
	}
}

func TestMLPSigmoidOutput(t *testing.T) {
	mlp, err := nn.NewMLP(1, 4, 3, 2, true)
	require.NoError(t, err)

	// Small weights keep the logits away from float32 sigmoid saturation.
	for _, layer := range mlp.Layers {
		data := ml.Floats(layer.Weight)
		for i := range data {
			data[i] = (float32(i%5) - 2) * 0.1
		}
	}

	for _, x := range []float32{-10, -0.5, 0, 3, 10} {
		out, err := mlp.Forward(newTensor([]int{1, 1}, []float32{x}))
		require.NoError(t, err)

		for _, v := range ml.Floats(out) {
			require.Greater(t, v, float32(0), "input %f", x)
			require.Less(t, v, float32(1), "input %f", x)
		}
	}
}

func TestMLPRejectsZeroLayers(t *testing.T) {
	_, err := nn.NewMLP(2, 2, 2, 0, false)
	require.Error(t, err)
}

func TestConvTranspose2DUpscale(t *testing.T) {
	conv := &nn.ConvTranspose2D{
		Weight: newTensor([]int{1, 1, 2, 2}, []float32{1, 2, 3, 4}),
		Bias:   newTensor([]int{1}, []float32{0.5}),
	}

	out, err := conv.Forward(newTensor([]int{1, 1, 1, 2}, []float32{10, 20}))
	require.NoError(t, err)

	// Each input pixel expands into its own 2x2 patch scaled by the kernel.
	require.Equal(t, []int{1, 1, 2, 4}, []int(out.Shape()))
	want := []float32{
		10.5, 20.5, 20.5, 40.5,
		30.5, 40.5, 60.5, 80.5,
	}
	if diff := cmp.Diff(want, ml.Floats(out)); diff != "" {
		t.Errorf("unexpected upscale (-want +got):\n%s", diff)
	}
}

func TestConvTranspose2DSumsChannels(t *testing.T) {
	conv := &nn.ConvTranspose2D{
		Weight: newTensor([]int{2, 1, 2, 2}, []float32{
			1, 1, 1, 1,
			2, 2, 2, 2,
		}),
	}

	out, err := conv.Forward(newTensor([]int{1, 2, 1, 1}, []float32{3, 4}))
	require.NoError(t, err)

	require.Equal(t, []int{1, 1, 2, 2}, []int(out.Shape()))
	if diff := cmp.Diff([]float32{11, 11, 11, 11}, ml.Floats(out)); diff != "" {
		t.Errorf("unexpected channel mix (-want +got):\n%s", diff)
	}
}

func TestConvTranspose2DRejectsChannelMismatch(t *testing.T) {
	conv := nn.NewConvTranspose2D(4, 2, 2)

	_, err := conv.Forward(newTensor([]int{1, 3, 1, 1}, make([]float32, 3)))
	require.ErrorContains(t, err, "input channels")
}

func TestLayerNorm2D(t *testing.T) {
	norm := &nn.LayerNorm2D{
		Weight: newTensor([]int{2}, []float32{2, 0.5}),
		Bias:   newTensor([]int{2}, []float32{1, -1}),
	}

	// Channels [3, 5] normalize to [-1, 1] before scale and shift.
	out, err := norm.Forward(newTensor([]int{1, 2, 1, 1}, []float32{3, 5}), 0)
	require.NoError(t, err)

	got := ml.Floats(out)
	require.InDelta(t, -1, got[0], 1e-5)
	require.InDelta(t, -0.5, got[1], 1e-5)
}

func TestLayerNorm2DRejectsChannelMismatch(t *testing.T) {
	norm := nn.NewLayerNorm2D(8)

	_, err := norm.Forward(newTensor([]int{1, 4, 1, 1}, make([]float32, 4)), 1e-6)
	require.ErrorContains(t, err, "channels")
}

func TestEmbeddingForward(t *testing.T) {
	embedding := &nn.Embedding{
		Weight: newTensor([]int{3, 2}, []float32{1, 2, 3, 4, 5, 6}),
	}

	out, err := embedding.Forward(2, 0)
	require.NoError(t, err)

	require.Equal(t, []int{2, 2}, []int(out.Shape()))
	if diff := cmp.Diff([]float32{5, 6, 1, 2}, ml.Floats(out)); diff != "" {
		t.Errorf("unexpected rows (-want +got):\n%s", diff)
	}

	_, err = embedding.Forward(3)
	require.ErrorContains(t, err, "out of range")
}
