package layer

import (
	"math"

	"github.com/invertnet/invertnet/internal/tensor"
)

// scaleClamp bounds the log-scale of affine couplings to keep exp(s) and its
// inverse well conditioned.
const scaleClamp = 2.0

// clampScale squashes a raw log-scale into (-scaleClamp, scaleClamp).
func clampScale(s float64) float64 {
	return scaleClamp * math.Tanh(s/scaleClamp)
}

// clampScaleDeriv is the derivative of clampScale.
func clampScaleDeriv(s float64) float64 {
	th := math.Tanh(s / scaleClamp)
	return 1 - th*th
}

// CondAffineCoupling transforms a tensor elementwise by a scale and shift
// predicted from a separate conditioning tensor:
//
//	z = x .* exp(sc) + t,  (s, t) = NN(cond),  sc = clamp(s)
//
// Since cond is not itself transformed, inversion only needs cond and z. With
// logdet enabled, Backward folds the gradient of -logdet into the conditioning
// and parameter gradients (exact-likelihood objective convention), and Forward
// reports logdet = sum(sc)/batch.
type CondAffineCoupling struct {
	nn     *ConvBlock
	logdet bool
}

// NewCondAffineCoupling builds a coupling whose network maps condCh channels
// to scale/shift pairs for outCh channels.
func NewCondAffineCoupling(condCh, outCh, hidden, k1, k2, p1, p2 int, logdet bool) (*CondAffineCoupling, error) {
	nn, err := NewConvBlock(condCh, hidden, outCh, k1, k2, p1, p2)
	if err != nil {
		return nil, err
	}
	return &CondAffineCoupling{nn: nn, logdet: logdet}, nil
}

// Forward applies the affine transform to x and returns the log-determinant
// contribution.
func (c *CondAffineCoupling) Forward(cond, x *tensor.Tensor) (*tensor.Tensor, float64) {
	s, t := c.nn.Forward(cond)
	if !s.SameShape(x) {
		panic("coupling: scale shape does not match input")
	}

	z := tensor.ZerosLike(x)
	sum := 0.0
	for i, xi := range x.Data {
		sc := clampScale(s.Data[i])
		z.Data[i] = xi*math.Exp(sc) + t.Data[i]
		sum += sc
	}
	return z, sum / float64(x.N)
}

// Inverse recovers x from z and the conditioning tensor.
func (c *CondAffineCoupling) Inverse(cond, z *tensor.Tensor) *tensor.Tensor {
	s, t := c.nn.Forward(cond)
	if !s.SameShape(z) {
		panic("coupling: scale shape does not match input")
	}

	x := tensor.ZerosLike(z)
	for i, zi := range z.Data {
		sc := clampScale(s.Data[i])
		x.Data[i] = (zi - t.Data[i]) * math.Exp(-sc)
	}
	return x
}

// Backward reconstructs x from (dz, z) and returns the gradients with respect
// to x and to the conditioning tensor. No state from a prior Forward on the
// coupled path is needed; the conditioning network is re-run on cond.
func (c *CondAffineCoupling) Backward(dz, z, cond *tensor.Tensor) (dx, x, dcond *tensor.Tensor) {
	s, t := c.nn.Forward(cond)
	if !s.SameShape(z) {
		panic("coupling: scale shape does not match input")
	}

	x = tensor.ZerosLike(z)
	dx = tensor.ZerosLike(z)
	ds := tensor.ZerosLike(s)
	dt := tensor.ZerosLike(t)
	invN := 1.0 / float64(z.N)

	for i, zi := range z.Data {
		si := s.Data[i]
		sc := clampScale(si)
		esc := math.Exp(sc)
		res := zi - t.Data[i]

		x.Data[i] = res / esc
		dx.Data[i] = dz.Data[i] * esc
		dt.Data[i] = dz.Data[i]

		dsc := dz.Data[i] * res
		if c.logdet {
			dsc -= invN
		}
		ds.Data[i] = dsc * clampScaleDeriv(si)
	}

	dcond = c.nn.Backward(ds, dt)
	return dx, x, dcond
}

// Params returns the coupling network parameters.
func (c *CondAffineCoupling) Params() []float64 { return c.nn.Params() }

// SetParams updates the coupling network parameters.
func (c *CondAffineCoupling) SetParams(params []float64) { c.nn.SetParams(params) }

// Gradients returns the accumulated coupling network gradients.
func (c *CondAffineCoupling) Gradients() []float64 { return c.nn.Gradients() }

// ClearGradients zeroes the accumulated coupling network gradients.
func (c *CondAffineCoupling) ClearGradients() { c.nn.ClearGradients() }
