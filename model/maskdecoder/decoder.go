// Package maskdecoder implements the mask-decoding head of a promptable
// segmentation model. Given an image's dense feature map and a set of prompt
// embeddings it predicts binary-segmentation mask logits and a quality
// estimate for each candidate mask.
package maskdecoder

import (
	"cmp"
	"fmt"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/masklab/sam/logutil"
	"github.com/masklab/sam/ml"
	"github.com/masklab/sam/ml/nn"
)

// Transformer is the bidirectional cross-attention decoder this head drives.
// Forward takes the source feature map and its positional encoding, both
// [B, C, H, W], and a token sequence [B, T, C]. It returns the refined tokens
// [B, T, C] and the refined source feature map flattened to [B, H*W, C].
type Transformer interface {
	Forward(src, pos, tokens *tensor.Dense) (refinedTokens, refinedSrc *tensor.Dense, err error)
}

type Options struct {
	// TransformerDim is the channel width C shared by the image embedding,
	// the prompt embeddings, and the learned tokens. Must be divisible by 8.
	TransformerDim int

	// NumMultimaskOutputs is the number of candidate masks predicted when
	// disambiguating. Defaults to 3; one extra slot is reserved for the
	// single ambiguity-resolved mask.
	NumMultimaskOutputs int

	// Activation is applied in the upscaling stages. Defaults to ml.GELU.
	Activation ml.Activation

	IoUHeadDepth     int // defaults to 3
	IoUHeadHiddenDim int // defaults to 256
}

const (
	upscaleKernel = 2
	normEps       = 1e-6
)

// Decoder holds the learned parameters of the mask-decoding head. They are
// read-only during Forward; concurrent calls with the same parameters are
// safe.
type Decoder struct {
	IoUToken   *nn.Embedding // [1, C]
	MaskTokens *nn.Embedding // [numMaskTokens, C]

	UpscaleConv1 *nn.ConvTranspose2D // C -> C/4
	UpscaleNorm  *nn.LayerNorm2D
	UpscaleConv2 *nn.ConvTranspose2D // C/4 -> C/8

	HypernetworkMLPs  []*nn.MLP // one per mask token, C -> C/8
	IoUPredictionHead *nn.MLP   // C -> numMaskTokens

	transformer   Transformer
	activation    ml.Activation
	numMaskTokens int
}

func New(transformer Transformer, opts Options) (*Decoder, error) {
	if transformer == nil {
		return nil, fmt.Errorf("maskdecoder: transformer is required")
	}

	c := opts.TransformerDim
	if c <= 0 {
		return nil, fmt.Errorf("maskdecoder: transformer dim must be positive, got %d", c)
	}

	if c%8 != 0 {
		return nil, fmt.Errorf("maskdecoder: transformer dim %d is not divisible by 8", c)
	}

	numMultimask := cmp.Or(opts.NumMultimaskOutputs, 3)
	if numMultimask < 1 {
		return nil, fmt.Errorf("maskdecoder: num multimask outputs must be positive, got %d", numMultimask)
	}

	numMaskTokens := numMultimask + 1

	hyper := make([]*nn.MLP, numMaskTokens)
	for i := range hyper {
		var err error
		if hyper[i], err = nn.NewMLP(c, c, c/8, 3, false); err != nil {
			return nil, err
		}
	}

	iouHead, err := nn.NewMLP(c, cmp.Or(opts.IoUHeadHiddenDim, 256), numMaskTokens, cmp.Or(opts.IoUHeadDepth, 3), false)
	if err != nil {
		return nil, err
	}

	activation := opts.Activation
	if activation == nil {
		activation = ml.GELU
	}

	return &Decoder{
		IoUToken:   nn.NewEmbedding(1, c),
		MaskTokens: nn.NewEmbedding(numMaskTokens, c),

		UpscaleConv1: nn.NewConvTranspose2D(c, c/4, upscaleKernel),
		UpscaleNorm:  nn.NewLayerNorm2D(c / 4),
		UpscaleConv2: nn.NewConvTranspose2D(c/4, c/8, upscaleKernel),

		HypernetworkMLPs:  hyper,
		IoUPredictionHead: iouHead,

		transformer:   transformer,
		activation:    activation,
		numMaskTokens: numMaskTokens,
	}, nil
}

// NumMaskTokens is the total number of mask slots, multimask candidates plus
// the reserved slot 0.
func (d *Decoder) NumMaskTokens() int {
	return d.numMaskTokens
}

// Forward predicts segmentation masks for a batch of prompt instances.
// imageEmbedding and imagePE are [B, C, H, W]; sparsePrompt is [B', N, C] with
// one token row per point or box of each prompt instance; densePrompt is the
// encoded mask hint [B', C, H, W]. B' may exceed B when several prompt sets
// query the same image, in which case it must be a multiple of B.
//
// With multimaskOutput the returned mask logits are [B', M-1, 4H, 4W] and the
// quality scores [B', M-1]; otherwise the single slot-0 mask and its score.
func (d *Decoder) Forward(imageEmbedding, imagePE, sparsePrompt, densePrompt *tensor.Dense, multimaskOutput bool) (masks, scores *tensor.Dense, err error) {
	if err := d.checkShapes(imageEmbedding, imagePE, sparsePrompt, densePrompt); err != nil {
		return nil, nil, err
	}

	masks, scores, err = d.predictMasks(imageEmbedding, imagePE, sparsePrompt, densePrompt)
	if err != nil {
		return nil, nil, err
	}

	// Slot 0 resolves prompt ambiguity into a single mask; the remaining
	// slots are the multimask candidates.
	lo, hi := 0, 1
	if multimaskOutput {
		lo, hi = 1, d.numMaskTokens
	}

	return selectOutputs(masks, scores, lo, hi)
}

func (d *Decoder) predictMasks(imageEmbedding, imagePE, sparsePrompt, densePrompt *tensor.Dense) (masks, scores *tensor.Dense, err error) {
	ishape := imageEmbedding.Shape()
	b, c, h, w := ishape[0], ishape[1], ishape[2], ishape[3]
	instances := sparsePrompt.Shape()[0]

	// Concatenate the quality and mask tokens and broadcast them to one copy
	// per prompt instance.
	outputTokens, err := d.IoUToken.Weight.Concat(0, d.MaskTokens.Weight)
	if err != nil {
		return nil, nil, err
	}

	if err := outputTokens.Reshape(1, 1+d.numMaskTokens, c); err != nil {
		return nil, nil, err
	}

	broadcast, err := outputTokens.Repeat(0, instances)
	if err != nil {
		return nil, nil, err
	}

	tokens := broadcast.(*tensor.Dense)
	if sparsePrompt.Shape()[1] > 0 {
		if tokens, err = tokens.Concat(1, sparsePrompt); err != nil {
			return nil, nil, err
		}
	}

	// Expand per-image tensors to per-instance and fold in the mask hint.
	src, err := ml.RepeatInterleave(imageEmbedding, instances/b)
	if err != nil {
		return nil, nil, err
	}

	if src, err = src.Add(densePrompt); err != nil {
		return nil, nil, err
	}

	pos, err := ml.RepeatInterleave(imagePE, instances/b)
	if err != nil {
		return nil, nil, err
	}

	logutil.Trace("predict masks", "instances", instances, "tokens", tokens.Shape()[1], "source", ishape)

	refinedTokens, refinedSrc, err := d.transformer.Forward(src, pos, tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("maskdecoder: transformer: %w", err)
	}

	if err := d.checkTransformerOutputs(refinedTokens, refinedSrc, instances, tokens.Shape()[1], c, h, w); err != nil {
		return nil, nil, err
	}

	iouTokenOut, err := sliceTokens(refinedTokens, 0, 1)
	if err != nil {
		return nil, nil, err
	}

	maskTokensOut, err := sliceTokens(refinedTokens, 1, 1+d.numMaskTokens)
	if err != nil {
		return nil, nil, err
	}

	srcImage, err := ml.TokensToImage(refinedSrc, h, w)
	if err != nil {
		return nil, nil, err
	}

	upscaled, err := d.upscale(srcImage)
	if err != nil {
		return nil, nil, err
	}

	projections, err := d.project(maskTokensOut)
	if err != nil {
		return nil, nil, err
	}

	// Each projection vector acts as a predicted 1x1 convolution kernel over
	// the upscaled embedding.
	ushape := upscaled.Shape()
	flat := tensor.New(tensor.WithShape(instances, c/8, ushape[2]*ushape[3]), tensor.WithBacking(ml.Floats(upscaled)))
	masks, err = ml.BatchedMatMul(projections, flat)
	if err != nil {
		return nil, nil, err
	}

	if err := masks.Reshape(instances, d.numMaskTokens, ushape[2], ushape[3]); err != nil {
		return nil, nil, err
	}

	scores, err = d.IoUPredictionHead.Forward(iouTokenOut)
	if err != nil {
		return nil, nil, err
	}

	return masks, scores, nil
}

// upscale runs the two-stage learned upsampling, 4x spatially and C -> C/8.
func (d *Decoder) upscale(src *tensor.Dense) (*tensor.Dense, error) {
	t, err := d.UpscaleConv1.Forward(src)
	if err != nil {
		return nil, err
	}

	if t, err = d.UpscaleNorm.Forward(t, normEps); err != nil {
		return nil, err
	}

	if t, err = ml.Apply(t, d.activation); err != nil {
		return nil, err
	}

	if t, err = d.UpscaleConv2.Forward(t); err != nil {
		return nil, err
	}

	return ml.Apply(t, d.activation)
}

// project runs each mask token through its own hypernetwork MLP, stacking the
// results to [B', numMaskTokens, C/8]. Slots are independent and run
// concurrently.
func (d *Decoder) project(maskTokens *tensor.Dense) (*tensor.Dense, error) {
	shape := maskTokens.Shape()
	instances, c := shape[0], shape[2]

	out := ml.Zeros(instances, d.numMaskTokens, c/8)
	dst := ml.Floats(out)

	var g errgroup.Group
	for i, mlp := range d.HypernetworkMLPs {
		g.Go(func() error {
			slot, err := sliceTokens(maskTokens, i, i+1)
			if err != nil {
				return err
			}

			projected, err := mlp.Forward(slot)
			if err != nil {
				return err
			}

			vals := ml.Floats(projected)
			width := c / 8
			for r := range instances {
				copy(dst[(r*d.numMaskTokens+i)*width:(r*d.numMaskTokens+i+1)*width], vals[r*width:(r+1)*width])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// sliceTokens extracts token slots [lo, hi) of a [B, T, C] sequence. A single
// slot comes back as [B, C], a range as [B, hi-lo, C].
func sliceTokens(t *tensor.Dense, lo, hi int) (*tensor.Dense, error) {
	v, err := t.Slice(nil, tensor.S(lo, hi))
	if err != nil {
		return nil, err
	}

	d := tensor.Materialize(v).(*tensor.Dense)
	if hi-lo == 1 {
		shape := t.Shape()
		if err := d.Reshape(shape[0], shape[2]); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (d *Decoder) checkShapes(imageEmbedding, imagePE, sparsePrompt, densePrompt *tensor.Dense) error {
	c := d.IoUToken.Weight.Shape()[1]

	ishape := imageEmbedding.Shape()
	if len(ishape) != 4 {
		return fmt.Errorf("maskdecoder: image embedding must be [B, C, H, W], got %v", ishape)
	}

	if ishape[1] != c {
		return fmt.Errorf("maskdecoder: image embedding has %d channels, want %d", ishape[1], c)
	}

	if !imagePE.Shape().Eq(ishape) {
		return fmt.Errorf("maskdecoder: positional encoding shape %v does not match image embedding %v", imagePE.Shape(), ishape)
	}

	sshape := sparsePrompt.Shape()
	if len(sshape) != 3 {
		return fmt.Errorf("maskdecoder: sparse prompt must be [B', N, C], got %v", sshape)
	}

	if sshape[2] != c {
		return fmt.Errorf("maskdecoder: sparse prompt has dim %d, want %d", sshape[2], c)
	}

	dshape := densePrompt.Shape()
	if len(dshape) != 4 || dshape[1] != c || dshape[2] != ishape[2] || dshape[3] != ishape[3] {
		return fmt.Errorf("maskdecoder: dense prompt shape %v does not match image embedding %v", dshape, ishape)
	}

	if dshape[0] != sshape[0] {
		return fmt.Errorf("maskdecoder: dense prompt batch %d does not match sparse prompt batch %d", dshape[0], sshape[0])
	}

	if sshape[0]%ishape[0] != 0 {
		return fmt.Errorf("maskdecoder: prompt batch %d is not a multiple of image batch %d", sshape[0], ishape[0])
	}

	return nil
}

func (d *Decoder) checkTransformerOutputs(refinedTokens, refinedSrc *tensor.Dense, instances, numTokens, c, h, w int) error {
	want := tensor.Shape{instances, numTokens, c}
	if !refinedTokens.Shape().Eq(want) {
		return fmt.Errorf("maskdecoder: transformer returned tokens shaped %v, want %v", refinedTokens.Shape(), want)
	}

	want = tensor.Shape{instances, h * w, c}
	if !refinedSrc.Shape().Eq(want) {
		return fmt.Errorf("maskdecoder: transformer returned source shaped %v, want %v", refinedSrc.Shape(), want)
	}

	return nil
}
