package layer

import (
	"fmt"

	"github.com/invertnet/invertnet/internal/tensor"
)

// CouplingLayerHINT is a hierarchical coupling layer: channels are split
// recursively into halves, each half is transformed recursively, and the
// second half is additionally coupled to the untransformed first half. Every
// pair of sub-tensors ends up coupled at some level of the hierarchy, unlike a
// single coupling which leaves one half only mixed, not transformed.
type CouplingLayerHINT struct {
	root    *hintNode
	h, w, c int
	batch   int
	logdet  bool
}

// hintNode is one node of the channel-split hierarchy. Leaves (single
// channels) are represented by nil children.
type hintNode struct {
	a, b   *hintNode
	cl     *CondAffineCoupling
	ca, cb int
}

// NewCouplingLayerHINT builds the hierarchy for a (h, w, c) signal. c must be
// at least 2; hidden is the coupling-network width and k1,k2,p1,p2 its
// convolution kernels and paddings.
func NewCouplingLayerHINT(h, w, c, hidden, batch, k1, k2, p1, p2 int, logdet bool) (*CouplingLayerHINT, error) {
	if c < 2 {
		return nil, fmt.Errorf("hint: need at least 2 channels, got %d", c)
	}
	root, err := buildHINT(c, hidden, k1, k2, p1, p2, logdet)
	if err != nil {
		return nil, err
	}
	return &CouplingLayerHINT{root: root, h: h, w: w, c: c, batch: batch, logdet: logdet}, nil
}

func buildHINT(c, hidden, k1, k2, p1, p2 int, logdet bool) (*hintNode, error) {
	if c < 2 {
		return nil, nil
	}
	ca := c - c/2
	cb := c / 2
	cl, err := NewCondAffineCoupling(ca, cb, hidden, k1, k2, p1, p2, logdet)
	if err != nil {
		return nil, err
	}
	a, err := buildHINT(ca, hidden, k1, k2, p1, p2, logdet)
	if err != nil {
		return nil, err
	}
	b, err := buildHINT(cb, hidden, k1, k2, p1, p2, logdet)
	if err != nil {
		return nil, err
	}
	return &hintNode{a: a, b: b, cl: cl, ca: ca, cb: cb}, nil
}

func (l *CouplingLayerHINT) check(x *tensor.Tensor) {
	if x.H != l.h || x.W != l.w || x.C != l.c {
		panic(fmt.Sprintf("hint: input shape (%d,%d,%d) does not match layer (%d,%d,%d)", x.H, x.W, x.C, l.h, l.w, l.c))
	}
}

// Forward transforms x and returns the summed log-determinant of all
// couplings in the hierarchy.
func (l *CouplingLayerHINT) Forward(x *tensor.Tensor) (*tensor.Tensor, float64) {
	l.check(x)
	return forwardHINT(l.root, x)
}

func forwardHINT(n *hintNode, x *tensor.Tensor) (*tensor.Tensor, float64) {
	if n == nil {
		return x, 0
	}
	xa := x.SplitChannels(0, n.ca)
	xb := x.SplitChannels(n.ca, n.ca+n.cb)

	ya, ld1 := forwardHINT(n.a, xa)
	yb, ld2 := forwardHINT(n.b, xb)
	zb, ld3 := n.cl.Forward(xa, yb)
	return tensor.ConcatChannels(ya, zb), ld1 + ld2 + ld3
}

// Inverse recovers x from z.
func (l *CouplingLayerHINT) Inverse(z *tensor.Tensor) *tensor.Tensor {
	l.check(z)
	return inverseHINT(l.root, z)
}

func inverseHINT(n *hintNode, z *tensor.Tensor) *tensor.Tensor {
	if n == nil {
		return z
	}
	za := z.SplitChannels(0, n.ca)
	zb := z.SplitChannels(n.ca, n.ca+n.cb)

	// The first half must be recovered before the coupling of the second
	// half can be undone.
	xa := inverseHINT(n.a, za)
	yb := n.cl.Inverse(xa, zb)
	xb := inverseHINT(n.b, yb)
	return tensor.ConcatChannels(xa, xb)
}

// Backward propagates dz through the hierarchy, reconstructing activations
// from z alone, and returns (dx, x).
func (l *CouplingLayerHINT) Backward(dz, z *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	l.check(z)
	return backwardHINT(l.root, dz, z)
}

func backwardHINT(n *hintNode, dz, z *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	if n == nil {
		return dz, z
	}
	dza := dz.SplitChannels(0, n.ca)
	dzb := dz.SplitChannels(n.ca, n.ca+n.cb)
	za := z.SplitChannels(0, n.ca)
	zb := z.SplitChannels(n.ca, n.ca+n.cb)

	dxa, xa := backwardHINT(n.a, dza, za)
	dyb, yb, dcond := n.cl.Backward(dzb, zb, xa)

	// The coupling also feeds gradient into the untransformed half through
	// its conditioning network.
	for i := range dxa.Data {
		dxa.Data[i] += dcond.Data[i]
	}

	dxb, xb := backwardHINT(n.b, dyb, yb)
	return tensor.ConcatChannels(dxa, dxb), tensor.ConcatChannels(xa, xb)
}

// Params returns all coupling parameters in a fixed preorder walk of the
// hierarchy (node, first half, second half).
func (l *CouplingLayerHINT) Params() []float64 {
	var out []float64
	walkHINT(l.root, func(cl *CondAffineCoupling) {
		out = append(out, cl.Params()...)
	})
	return out
}

// SetParams updates all coupling parameters from one flattened slice in the
// same order Params produces.
func (l *CouplingLayerHINT) SetParams(params []float64) {
	off := 0
	walkHINT(l.root, func(cl *CondAffineCoupling) {
		n := len(cl.Params())
		cl.SetParams(params[off : off+n])
		off += n
	})
}

// Gradients returns all accumulated gradients in Params order.
func (l *CouplingLayerHINT) Gradients() []float64 {
	var out []float64
	walkHINT(l.root, func(cl *CondAffineCoupling) {
		out = append(out, cl.Gradients()...)
	})
	return out
}

// ClearGradients zeroes the gradients of every coupling in the hierarchy.
func (l *CouplingLayerHINT) ClearGradients() {
	walkHINT(l.root, func(cl *CondAffineCoupling) {
		cl.ClearGradients()
	})
}

func walkHINT(n *hintNode, f func(*CondAffineCoupling)) {
	if n == nil {
		return
	}
	f(n.cl)
	walkHINT(n.a, f)
	walkHINT(n.b, f)
}
