package layer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LinearOperator is the forward-modeling operator supplied by the caller.
// Apply maps a flattened signal (domain) to the data space (range); Adjoint is
// the transpose map. Both operate on per-batch-element vectors.
type LinearOperator interface {
	Apply(x []float64) []float64
	Adjoint(y []float64) []float64
	DomainSize() int
	RangeSize() int
}

// MatOperator is a LinearOperator backed by a dense matrix.
type MatOperator struct {
	a    *mat.Dense
	m, n int
}

// NewMatOperator wraps an m-by-n dense matrix as a linear operator.
func NewMatOperator(a *mat.Dense) *MatOperator {
	m, n := a.Dims()
	return &MatOperator{a: a, m: m, n: n}
}

// NewIdentityOperator builds the rectangular identity: an m-by-n matrix with
// ones on the main diagonal. For m == n this is the usual identity; otherwise
// it restricts or zero-pads.
func NewIdentityOperator(m, n int) *MatOperator {
	a := mat.NewDense(m, n, nil)
	d := m
	if n < d {
		d = n
	}
	for i := 0; i < d; i++ {
		a.Set(i, i, 1)
	}
	return &MatOperator{a: a, m: m, n: n}
}

// NewGaussianOperator builds an m-by-n operator with i.i.d. N(0, 1/n) entries.
func NewGaussianOperator(m, n int) *MatOperator {
	dist := newNormal(1 / math.Sqrt(float64(n)))
	data := make([]float64, m*n)
	for i := range data {
		data[i] = dist.Rand()
	}
	return &MatOperator{a: mat.NewDense(m, n, data), m: m, n: n}
}

// Apply computes A*x.
func (o *MatOperator) Apply(x []float64) []float64 {
	if len(x) != o.n {
		panic(fmt.Sprintf("operator: Apply input length %d, domain %d", len(x), o.n))
	}
	y := mat.NewVecDense(o.m, nil)
	y.MulVec(o.a, mat.NewVecDense(o.n, x))
	return y.RawVector().Data
}

// Adjoint computes Aᵀ*y.
func (o *MatOperator) Adjoint(y []float64) []float64 {
	if len(y) != o.m {
		panic(fmt.Sprintf("operator: Adjoint input length %d, range %d", len(y), o.m))
	}
	x := mat.NewVecDense(o.n, nil)
	x.MulVec(o.a.T(), mat.NewVecDense(o.m, y))
	return x.RawVector().Data
}

// DomainSize returns the flattened signal length the operator accepts.
func (o *MatOperator) DomainSize() int { return o.n }

// RangeSize returns the flattened data length the operator produces.
func (o *MatOperator) RangeSize() int { return o.m }
