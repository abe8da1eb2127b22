package layer

import (
	"fmt"

	"github.com/invertnet/invertnet/internal/activations"
	"github.com/invertnet/invertnet/internal/tensor"
)

// ConvBlock is the conditioning network of a coupling: two stacked
// convolutions mapping inCh -> hidden -> 2*outCh, with the output split into a
// log-scale part s and a shift part t. The kernel/padding pairs must jointly
// preserve spatial size so s and t align elementwise with the coupled tensor.
type ConvBlock struct {
	conv1 *Conv2D
	conv2 *Conv2D
	outCh int
}

// NewConvBlock builds the two-convolution block. k1/p1 apply to the first
// convolution (ReLU), k2/p2 to the second (linear).
func NewConvBlock(inCh, hidden, outCh, k1, k2, p1, p2 int) (*ConvBlock, error) {
	if inCh < 1 || hidden < 1 || outCh < 1 {
		return nil, fmt.Errorf("conv block: invalid channel counts in=%d hidden=%d out=%d", inCh, hidden, outCh)
	}
	if 2*(p1+p2) != k1+k2-2 {
		return nil, fmt.Errorf("conv block: kernels k1=%d,k2=%d with paddings p1=%d,p2=%d do not preserve spatial size", k1, k2, p1, p2)
	}
	return &ConvBlock{
		conv1: NewConv2D(inCh, hidden, k1, p1, activations.ReLU{}),
		conv2: NewConv2D(hidden, 2*outCh, k2, p2, activations.Linear{}),
		outCh: outCh,
	}, nil
}

// Forward computes (s, t) from the conditioning input. Activations are cached
// in the convolutions for a subsequent Backward call.
func (b *ConvBlock) Forward(x *tensor.Tensor) (s, t *tensor.Tensor) {
	h := b.conv1.Forward(x)
	st := b.conv2.Forward(h)
	if st.H != x.H || st.W != x.W {
		panic(fmt.Sprintf("conv block: output %dx%d does not match input %dx%d", st.H, st.W, x.H, x.W))
	}
	s = st.SplitChannels(0, b.outCh)
	t = st.SplitChannels(b.outCh, 2*b.outCh)
	return s, t
}

// Backward propagates gradients for s and t back to the conditioning input,
// accumulating the convolution parameter gradients. Must follow a matching
// Forward call.
func (b *ConvBlock) Backward(ds, dt *tensor.Tensor) *tensor.Tensor {
	dst := tensor.ConcatChannels(ds, dt)
	dh := b.conv2.Backward(dst)
	return b.conv1.Backward(dh)
}

// Params returns the block parameters, first convolution first.
func (b *ConvBlock) Params() []float64 {
	p1 := b.conv1.Params()
	p2 := b.conv2.Params()
	return append(p1, p2...)
}

// SetParams updates the block parameters from one flattened slice.
func (b *ConvBlock) SetParams(params []float64) {
	n1 := len(b.conv1.Params())
	b.conv1.SetParams(params[:n1])
	b.conv2.SetParams(params[n1:])
}

// Gradients returns the accumulated block gradients, first convolution first.
func (b *ConvBlock) Gradients() []float64 {
	g1 := b.conv1.Gradients()
	g2 := b.conv2.Gradients()
	return append(g1, g2...)
}

// ClearGradients zeroes the accumulated gradients of both convolutions.
func (b *ConvBlock) ClearGradients() {
	b.conv1.ClearGradients()
	b.conv2.ClearGradients()
}
