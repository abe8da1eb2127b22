package layer

import (
	"fmt"
	"math"

	"github.com/invertnet/invertnet/internal/tensor"
)

// CouplingLayerSLIM is an affine coupling over the signal X conditioned on the
// observed data through a linear forward operator. The first half of X passes
// through unchanged; the second half is scaled and shifted by a network that
// sees both the first half and the data-misfit gradient
//
//	g = Opᵀ(Op·pad(x1) − y)
//
// computed per batch element, with x1 zero-padded into the full signal space.
// The layer has no internal channel permutation; mixing is expected to happen
// in an external 1x1 convolution.
type CouplingLayerSLIM struct {
	nn      *ConvBlock
	h, w, c int
	c1      int
	batch   int
	logdet  bool
}

// NewCouplingLayerSLIM builds the coupling for a (h, w, c) signal; c must be
// even. op is used to validate the operator's domain against the signal size.
func NewCouplingLayerSLIM(h, w, c, hidden, batch int, op LinearOperator, k1, k2, p1, p2 int, logdet bool) (*CouplingLayerSLIM, error) {
	if c < 2 || c%2 != 0 {
		return nil, fmt.Errorf("slim: channel count must be even and >= 2, got %d", c)
	}
	if op != nil && op.DomainSize() != h*w*c {
		return nil, fmt.Errorf("slim: operator domain %d does not match signal size %d", op.DomainSize(), h*w*c)
	}
	c1 := c / 2
	// Network input: the untransformed half plus the misfit gradient, which
	// lives in the full signal space.
	nn, err := NewConvBlock(c1+c, hidden, c-c1, k1, k2, p1, p2)
	if err != nil {
		return nil, err
	}
	return &CouplingLayerSLIM{nn: nn, h: h, w: w, c: c, c1: c1, batch: batch, logdet: logdet}, nil
}

func (l *CouplingLayerSLIM) check(x *tensor.Tensor, op LinearOperator, y *tensor.Tensor) {
	if x.H != l.h || x.W != l.w || x.C != l.c {
		panic(fmt.Sprintf("slim: input shape (%d,%d,%d) does not match layer (%d,%d,%d)", x.H, x.W, x.C, l.h, l.w, l.c))
	}
	if op.DomainSize() != l.h*l.w*l.c {
		panic(fmt.Sprintf("slim: operator domain %d does not match signal size %d", op.DomainSize(), l.h*l.w*l.c))
	}
	if op.RangeSize() != y.Elems() {
		panic(fmt.Sprintf("slim: operator range %d does not match data size %d", op.RangeSize(), y.Elems()))
	}
	if y.N != x.N {
		panic("slim: batch size mismatch between signal and data")
	}
}

// misfit computes g = Opᵀ(Op·pad(x1) − y) for every batch element. The result
// has the full signal shape.
func (l *CouplingLayerSLIM) misfit(x1 *tensor.Tensor, op LinearOperator, y *tensor.Tensor) *tensor.Tensor {
	full := l.h * l.w * l.c
	half := l.h * l.w * l.c1
	g := tensor.New(l.h, l.w, l.c, x1.N)
	pad := make([]float64, full)

	for n := 0; n < x1.N; n++ {
		copy(pad[:half], x1.Vec(n))
		for i := half; i < full; i++ {
			pad[i] = 0
		}
		r := op.Apply(pad)
		yv := y.Vec(n)
		for i := range r {
			r[i] -= yv[i]
		}
		copy(g.Vec(n), op.Adjoint(r))
	}
	return g
}

// Forward transforms x conditioned on op and the flattened data y, returning
// the log-determinant contribution.
func (l *CouplingLayerSLIM) Forward(x *tensor.Tensor, op LinearOperator, y *tensor.Tensor) (*tensor.Tensor, float64) {
	l.check(x, op, y)
	x1 := x.SplitChannels(0, l.c1)
	x2 := x.SplitChannels(l.c1, l.c)

	g := l.misfit(x1, op, y)
	s, t := l.nn.Forward(tensor.ConcatChannels(x1, g))

	z2 := tensor.ZerosLike(x2)
	sum := 0.0
	for i, xi := range x2.Data {
		sc := clampScale(s.Data[i])
		z2.Data[i] = xi*math.Exp(sc) + t.Data[i]
		sum += sc
	}
	return tensor.ConcatChannels(x1, z2), sum / float64(x.N)
}

// Inverse recovers x from z, op and y. The untransformed half of z is exactly
// x1, so the conditioning can be recomputed without any cached state.
func (l *CouplingLayerSLIM) Inverse(z *tensor.Tensor, op LinearOperator, y *tensor.Tensor) *tensor.Tensor {
	l.check(z, op, y)
	x1 := z.SplitChannels(0, l.c1)
	z2 := z.SplitChannels(l.c1, l.c)

	g := l.misfit(x1, op, y)
	s, t := l.nn.Forward(tensor.ConcatChannels(x1, g))

	x2 := tensor.ZerosLike(z2)
	for i, zi := range z2.Data {
		sc := clampScale(s.Data[i])
		x2.Data[i] = (zi - t.Data[i]) * math.Exp(-sc)
	}
	return tensor.ConcatChannels(x1, x2)
}

// Backward reconstructs x from (dz, z) and returns the gradient with respect
// to x. The gradient path through the misfit term feeds back into the
// untransformed half via Opᵀ·Op; no gradient is produced for y.
func (l *CouplingLayerSLIM) Backward(dz, z *tensor.Tensor, op LinearOperator, y *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	l.check(z, op, y)
	dz1 := dz.SplitChannels(0, l.c1)
	dz2 := dz.SplitChannels(l.c1, l.c)
	x1 := z.SplitChannels(0, l.c1)
	z2 := z.SplitChannels(l.c1, l.c)

	g := l.misfit(x1, op, y)
	s, t := l.nn.Forward(tensor.ConcatChannels(x1, g))

	x2 := tensor.ZerosLike(z2)
	dx2 := tensor.ZerosLike(z2)
	ds := tensor.ZerosLike(s)
	dt := tensor.ZerosLike(t)
	invN := 1.0 / float64(z.N)

	for i, zi := range z2.Data {
		si := s.Data[i]
		sc := clampScale(si)
		esc := math.Exp(sc)
		res := zi - t.Data[i]

		x2.Data[i] = res / esc
		dx2.Data[i] = dz2.Data[i] * esc
		dt.Data[i] = dz2.Data[i]

		dsc := dz2.Data[i] * res
		if l.logdet {
			dsc -= invN
		}
		ds.Data[i] = dsc * clampScaleDeriv(si)
	}

	du := l.nn.Backward(ds, dt)
	dx1nn := du.SplitChannels(0, l.c1)
	dg := du.SplitChannels(l.c1, l.c1+l.c)

	// dx1 collects the pass-through gradient, the direct conditioning path,
	// and the misfit path Pᵀ·Opᵀ·Op·dg.
	dx1 := dz1.Clone()
	half := l.h * l.w * l.c1
	for n := 0; n < z.N; n++ {
		w := op.Adjoint(op.Apply(dg.Vec(n)))
		dv := dx1.Vec(n)
		nv := dx1nn.Vec(n)
		for i := 0; i < half; i++ {
			dv[i] += nv[i] + w[i]
		}
	}

	return tensor.ConcatChannels(dx1, dx2), tensor.ConcatChannels(x1, x2)
}

// Params returns the coupling network parameters.
func (l *CouplingLayerSLIM) Params() []float64 { return l.nn.Params() }

// SetParams updates the coupling network parameters.
func (l *CouplingLayerSLIM) SetParams(params []float64) { l.nn.SetParams(params) }

// Gradients returns the accumulated coupling network gradients.
func (l *CouplingLayerSLIM) Gradients() []float64 { return l.nn.Gradients() }

// ClearGradients zeroes the accumulated coupling network gradients.
func (l *CouplingLayerSLIM) ClearGradients() { l.nn.ClearGradients() }
