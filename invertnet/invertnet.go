// Package invertnet exposes the invertible conditional coupling layers.
package invertnet

import (
	"github.com/invertnet/invertnet/internal/layer"
	"github.com/invertnet/invertnet/internal/tensor"
)

// Re-export common types for easier access
type (
	Tensor               = tensor.Tensor
	LinearOperator       = layer.LinearOperator
	MatOperator          = layer.MatOperator
	ConditionalLayerSLIM = layer.ConditionalLayerSLIM
	CouplingLayerHINT    = layer.CouplingLayerHINT
	CouplingLayerSLIM    = layer.CouplingLayerSLIM
	Conv1x1              = layer.Conv1x1
)

// Tensors
func NewTensor(h, w, c, n int) *Tensor {
	return tensor.New(h, w, c, n)
}

func NewTensorFrom(h, w, c, n int, data []float64) *Tensor {
	return tensor.NewFrom(h, w, c, n, data)
}

// Operators
func NewIdentityOperator(m, n int) *MatOperator {
	return layer.NewIdentityOperator(m, n)
}

func NewGaussianOperator(m, n int) *MatOperator {
	return layer.NewGaussianOperator(m, n)
}

// Layers
func NewConditionalLayerSLIM(nx1, nx2, nxIn, nxHidden, ny1, ny2, nyIn, nyHidden, batch int,
	op LinearOperator, k1, k2, p1, p2 int) (*ConditionalLayerSLIM, error) {
	return layer.NewConditionalLayerSLIM(nx1, nx2, nxIn, nxHidden, ny1, ny2, nyIn, nyHidden, batch, op, k1, k2, p1, p2)
}

func NewCouplingLayerHINT(h, w, c, hidden, batch, k1, k2, p1, p2 int, logdet bool) (*CouplingLayerHINT, error) {
	return layer.NewCouplingLayerHINT(h, w, c, hidden, batch, k1, k2, p1, p2, logdet)
}

func NewConv1x1(c int) *Conv1x1 {
	return layer.NewConv1x1(c)
}

// Wavelet squeezing
func WaveletSqueeze(x *Tensor) *Tensor {
	return layer.WaveletSqueeze(x)
}

func WaveletUnsqueeze(z *Tensor) *Tensor {
	return layer.WaveletUnsqueeze(z)
}
