package layer

import (
	"fmt"

	"github.com/invertnet/invertnet/internal/tensor"
)

// ConditionalLayerSLIM is the conditional coupling layer of the HINT
// architecture: an invertible map (X, Y) -> (Zx, Zy) where Y is an observation
// of X through a linear forward operator. Two lanes are wired together:
//
//	Y-lane: wavelet squeeze -> CY -> CLY -> wavelet unsqueeze
//	X-lane: CX -> CLX -> CLXY(·, op, flatten(Y))
//
// The Y-lane is independent of X; the X-lane consumes Y (in the inverse and
// backward directions the Y-lane is resolved first to provide it). All three
// couplings contribute to the log-determinant; the 1x1 convolutions and the
// Haar transform are volume preserving.
type ConditionalLayerSLIM struct {
	CLX  *CouplingLayerHINT
	CLY  *CouplingLayerHINT
	CLXY *CouplingLayerSLIM
	CX   *Conv1x1
	CY   *Conv1x1

	op LinearOperator
}

// NewConditionalLayerSLIM constructs the composite from the X dimensions
// (nx1, nx2, nxIn, nxHidden), the Y dimensions (ny1, ny2, nyIn, nyHidden),
// the batch size, the forward operator and the coupling-network kernel and
// padding sizes. The Y coupling operates on the wavelet-squeezed shape.
func NewConditionalLayerSLIM(nx1, nx2, nxIn, nxHidden, ny1, ny2, nyIn, nyHidden, batch int,
	op LinearOperator, k1, k2, p1, p2 int) (*ConditionalLayerSLIM, error) {

	if ny1%2 != 0 || ny2%2 != 0 {
		return nil, fmt.Errorf("conditional slim: Y spatial dims (%d,%d) must be even for wavelet squeezing", ny1, ny2)
	}
	clx, err := NewCouplingLayerHINT(nx1, nx2, nxIn, nxHidden, batch, k1, k2, p1, p2, true)
	if err != nil {
		return nil, err
	}
	cly, err := NewCouplingLayerHINT(ny1/2, ny2/2, 4*nyIn, nyHidden, batch, k1, k2, p1, p2, true)
	if err != nil {
		return nil, err
	}
	clxy, err := NewCouplingLayerSLIM(nx1, nx2, nxIn, nxHidden, batch, op, k1, k2, p1, p2, true)
	if err != nil {
		return nil, err
	}

	return &ConditionalLayerSLIM{
		CLX:  clx,
		CLY:  cly,
		CLXY: clxy,
		CX:   NewConv1x1(nxIn),
		CY:   NewConv1x1(4 * nyIn),
		op:   op,
	}, nil
}

// Forward maps (X, Y) to (Zx, Zy) and the summed log-determinant.
func (l *ConditionalLayerSLIM) Forward(x, y *tensor.Tensor) (zx, zy *tensor.Tensor, logdet float64) {
	// Y-lane
	ys := WaveletSqueeze(y)
	yp := l.CY.Forward(ys)
	zyp, logdet2 := l.CLY.Forward(yp)
	zy = WaveletUnsqueeze(zyp)

	// X-lane, conditioned on the observation
	xp := l.CX.Forward(x)
	xm, logdet1 := l.CLX.Forward(xp)
	zx, logdet3 := l.CLXY.Forward(xm, l.op, y.FlattenSpatial())

	return zx, zy, logdet1 + logdet2 + logdet3
}

// Inverse maps (Zx, Zy) back to (X, Y). The Y-lane is inverted first since
// the X-lane coupling needs Y.
func (l *ConditionalLayerSLIM) Inverse(zx, zy *tensor.Tensor) (x, y *tensor.Tensor) {
	// Y-lane
	zyp := WaveletSqueeze(zy)
	yp := l.CLY.Inverse(zyp)
	ys := l.CY.Inverse(yp)
	y = WaveletUnsqueeze(ys)

	// X-lane
	xm := l.CLXY.Inverse(zx, l.op, y.FlattenSpatial())
	xp := l.CLX.Inverse(xm)
	x = l.CX.Inverse(xp)

	return x, y
}

// Backward propagates upstream gradients through the layer, reconstructing
// the intermediate activations from (Zx, Zy) instead of retaining them from a
// forward call. Returns the input gradients together with the reconstructed
// inputs. The conditioning path of the X-lane contributes no gradient to dy.
func (l *ConditionalLayerSLIM) Backward(dzx, dzy, zx, zy *tensor.Tensor) (dx, dy, x, y *tensor.Tensor) {
	// Y-lane: joint gradient/activation inversion stage by stage
	dzyp, zyp := WaveletSqueeze(dzy), WaveletSqueeze(zy)
	dyp, yp := l.CLY.Backward(dzyp, zyp)
	dys, ys := l.CY.InverseJoint(dyp, yp)
	dy, y = WaveletUnsqueeze(dys), WaveletUnsqueeze(ys)

	// X-lane, using the reconstructed Y
	dxm, xm := l.CLXY.Backward(dzx, zx, l.op, y.FlattenSpatial())
	dxp, xp := l.CLX.Backward(dxm, xm)
	dx, x = l.CX.InverseJoint(dxp, xp)

	return dx, dy, x, y
}

// ForwardY runs only the Y-lane, producing the conditioning latent.
func (l *ConditionalLayerSLIM) ForwardY(y *tensor.Tensor) *tensor.Tensor {
	ys := WaveletSqueeze(y)
	yp := l.CY.Forward(ys)
	zyp, _ := l.CLY.Forward(yp)
	return WaveletUnsqueeze(zyp)
}

// InverseY inverts the Y-lane only.
func (l *ConditionalLayerSLIM) InverseY(zy *tensor.Tensor) *tensor.Tensor {
	zyp := WaveletSqueeze(zy)
	yp := l.CLY.Inverse(zyp)
	ys := l.CY.Inverse(yp)
	return WaveletUnsqueeze(ys)
}

// Params concatenates the sub-layer parameters in the fixed order
// CLX, CLY, CLXY, CX, CY. The order is stable across calls so optimizer state
// stays aligned.
func (l *ConditionalLayerSLIM) Params() []float64 {
	var out []float64
	out = append(out, l.CLX.Params()...)
	out = append(out, l.CLY.Params()...)
	out = append(out, l.CLXY.Params()...)
	out = append(out, l.CX.Params()...)
	out = append(out, l.CY.Params()...)
	return out
}

// SetParams updates all sub-layer parameters from one flattened slice in
// Params order.
func (l *ConditionalLayerSLIM) SetParams(params []float64) {
	off := 0
	for _, s := range []interface {
		Params() []float64
		SetParams([]float64)
	}{l.CLX, l.CLY, l.CLXY, l.CX, l.CY} {
		n := len(s.Params())
		s.SetParams(params[off : off+n])
		off += n
	}
}

// Gradients concatenates the accumulated sub-layer gradients in Params order.
func (l *ConditionalLayerSLIM) Gradients() []float64 {
	var out []float64
	out = append(out, l.CLX.Gradients()...)
	out = append(out, l.CLY.Gradients()...)
	out = append(out, l.CLXY.Gradients()...)
	out = append(out, l.CX.Gradients()...)
	out = append(out, l.CY.Gradients()...)
	return out
}

// ClearGradients zeroes the accumulated gradients of every sub-layer.
func (l *ConditionalLayerSLIM) ClearGradients() {
	l.CLX.ClearGradients()
	l.CLY.ClearGradients()
	l.CLXY.ClearGradients()
	l.CX.ClearGradients()
	l.CY.ClearGradients()
}
