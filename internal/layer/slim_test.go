package layer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/invertnet/invertnet/internal/tensor"
)

func TestSLIMRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	op := NewGaussianOperator(12, 32)
	l, err := NewCouplingLayerSLIM(4, 4, 2, 4, 2, op, 1, 3, 1, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	x := randTensor(4, 4, 2, 2, rng)
	y := randTensor(1, 1, 12, 2, rng)

	z, logdet := l.Forward(x, op, y)
	if !z.SameShape(x) {
		t.Fatalf("latent shape (%d,%d,%d,%d)", z.H, z.W, z.C, z.N)
	}
	if math.IsNaN(logdet) || math.IsInf(logdet, 0) {
		t.Fatalf("logdet = %f", logdet)
	}

	back := l.Inverse(z, op, y)
	for i := range x.Data {
		if math.Abs(back.Data[i]-x.Data[i]) > 1e-9 {
			t.Fatalf("round-trip error %e at %d", math.Abs(back.Data[i]-x.Data[i]), i)
		}
	}
}

func TestSLIMIdentityHalf(t *testing.T) {
	// The first half of the channels passes through untouched
	rng := rand.New(rand.NewSource(18))
	op := NewIdentityOperator(32, 32)
	l, err := NewCouplingLayerSLIM(4, 4, 2, 4, 1, op, 1, 3, 1, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	x := randTensor(4, 4, 2, 1, rng)
	y := randTensor(1, 1, 32, 1, rng)
	z, _ := l.Forward(x, op, y)

	half := 4 * 4
	for i := 0; i < half; i++ {
		if z.Data[i] != x.Data[i] {
			t.Fatalf("identity half modified at %d: %f vs %f", i, z.Data[i], x.Data[i])
		}
	}
}

func TestSLIMBackward(t *testing.T) {
	// Gradient against finite differences; exercises the misfit path
	// through OpᵀOp as well as the direct conditioning path.
	rng := rand.New(rand.NewSource(19))
	op := NewGaussianOperator(10, 32)
	l, err := NewCouplingLayerSLIM(4, 4, 2, 4, 1, op, 1, 3, 1, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	x := randTensor(4, 4, 2, 1, rng)
	y := randTensor(1, 1, 10, 1, rng)

	z, _ := l.Forward(x, op, y)
	dx, xrec := l.Backward(z.Clone(), z, op, y)

	for i := range x.Data {
		if math.Abs(xrec.Data[i]-x.Data[i]) > 1e-9 {
			t.Fatalf("reconstructed x differs at %d", i)
		}
	}

	numeric := numGrad(func(v []float64) float64 {
		z2, ld := l.Forward(tensor.NewFrom(4, 4, 2, 1, append([]float64(nil), v...)), op, y)
		sum := 0.0
		for _, e := range z2.Data {
			sum += 0.5 * e * e
		}
		return sum - ld
	}, x.Data)

	for i := range numeric {
		if !gradClose(dx.Data[i], numeric[i]) {
			t.Fatalf("dx[%d] = %f, numeric %f", i, dx.Data[i], numeric[i])
		}
	}
}

func TestSLIMOddChannelsRejected(t *testing.T) {
	op := NewIdentityOperator(48, 48)
	if _, err := NewCouplingLayerSLIM(4, 4, 3, 4, 1, op, 1, 3, 1, 0, true); err == nil {
		t.Error("expected error for odd channel count")
	}
}

func TestSLIMOperatorMismatchRejected(t *testing.T) {
	op := NewIdentityOperator(12, 16)
	if _, err := NewCouplingLayerSLIM(4, 4, 2, 4, 1, op, 1, 3, 1, 0, true); err == nil {
		t.Error("expected error for operator domain mismatch")
	}
}
