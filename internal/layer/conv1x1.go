package layer

import (
	"fmt"

	"github.com/invertnet/invertnet/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// Conv1x1 mixes channels at every spatial position with a fixed random
// orthogonal matrix, generalizing a channel permutation. Orthogonality makes
// the layer volume preserving (zero log-determinant) and gives it a cheap
// exact inverse: the transpose. It also means the inverse apply and the
// vector-Jacobian product coincide, so inverting a (gradient, activation)
// pair is a single transpose apply of both.
type Conv1x1 struct {
	c int
	w *mat.Dense
}

// NewConv1x1 builds the mixer for c channels. The matrix is the Q factor of a
// Gaussian random matrix.
func NewConv1x1(c int) *Conv1x1 {
	dist := newNormal(1)
	data := make([]float64, c*c)
	for i := range data {
		data[i] = dist.Rand()
	}

	var qr mat.QR
	qr.Factorize(mat.NewDense(c, c, data))
	q := mat.NewDense(c, c, nil)
	qr.QTo(q)
	return &Conv1x1{c: c, w: q}
}

// apply multiplies every per-pixel channel vector by W (or Wᵀ).
func (l *Conv1x1) apply(x *tensor.Tensor, transpose bool) *tensor.Tensor {
	if x.C != l.c {
		panic(fmt.Sprintf("conv1x1: input has %d channels, expected %d", x.C, l.c))
	}
	out := tensor.ZerosLike(x)
	plane := x.H * x.W

	for n := 0; n < x.N; n++ {
		in := x.Vec(n)
		ov := out.Vec(n)
		for oc := 0; oc < l.c; oc++ {
			for ic := 0; ic < l.c; ic++ {
				var wv float64
				if transpose {
					wv = l.w.At(ic, oc)
				} else {
					wv = l.w.At(oc, ic)
				}
				if wv == 0 {
					continue
				}
				ob := oc * plane
				ib := ic * plane
				for i := 0; i < plane; i++ {
					ov[ob+i] += wv * in[ib+i]
				}
			}
		}
	}
	return out
}

// Forward mixes the channels of x.
func (l *Conv1x1) Forward(x *tensor.Tensor) *tensor.Tensor {
	return l.apply(x, false)
}

// Inverse undoes the mixing.
func (l *Conv1x1) Inverse(y *tensor.Tensor) *tensor.Tensor {
	return l.apply(y, true)
}

// InverseJoint inverts a gradient/activation pair: the activation by the
// inverse map, the gradient by the vector-Jacobian product. Both are Wᵀ.
func (l *Conv1x1) InverseJoint(dy, y *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	return l.apply(dy, true), l.apply(y, true)
}

// Params returns an empty slice: the mixing matrix is not trained.
func (l *Conv1x1) Params() []float64 { return nil }

// SetParams is a no-op; the layer has no trainable parameters.
func (l *Conv1x1) SetParams(params []float64) {}

// Gradients returns an empty slice.
func (l *Conv1x1) Gradients() []float64 { return nil }

// ClearGradients is a no-op.
func (l *Conv1x1) ClearGradients() {}
