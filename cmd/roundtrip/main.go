package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/invertnet/invertnet/internal/layer"
	"github.com/invertnet/invertnet/internal/tensor"
)

func main() {
	fmt.Println("=== Conditional SLIM Layer Round Trip ===")

	// Signal X: 16x16, 4 channels; observation Y: 32x32, 2 channels
	nx1, nx2, nxIn := 16, 16, 4
	ny1, ny2, nyIn := 32, 32, 2
	batch := 2

	fmt.Printf("X shape: (%d,%d,%d,%d)\n", nx1, nx2, nxIn, batch)
	fmt.Printf("Y shape: (%d,%d,%d,%d)\n", ny1, ny2, nyIn, batch)

	// Forward operator: restriction/padding identity between signal and data space
	op := layer.NewIdentityOperator(ny1*ny2*nyIn, nx1*nx2*nxIn)

	cl, err := layer.NewConditionalLayerSLIM(nx1, nx2, nxIn, 8, ny1, ny2, nyIn, 8, batch, op, 1, 3, 1, 0)
	if err != nil {
		fmt.Println("construction failed:", err)
		return
	}

	rng := rand.New(rand.NewSource(1))
	x := tensor.New(nx1, nx2, nxIn, batch)
	y := tensor.New(ny1, ny2, nyIn, batch)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	for i := range y.Data {
		y.Data[i] = rng.NormFloat64()
	}

	zx, zy, logdet := cl.Forward(x, y)
	fmt.Printf("Zx shape: (%d,%d,%d,%d)\n", zx.H, zx.W, zx.C, zx.N)
	fmt.Printf("Zy shape: (%d,%d,%d,%d)\n", zy.H, zy.W, zy.C, zy.N)
	fmt.Printf("logdet: %.6f\n", logdet)

	xr, yr := cl.Inverse(zx, zy)

	maxErr := 0.0
	for i := range x.Data {
		if e := math.Abs(x.Data[i] - xr.Data[i]); e > maxErr {
			maxErr = e
		}
	}
	for i := range y.Data {
		if e := math.Abs(y.Data[i] - yr.Data[i]); e > maxErr {
			maxErr = e
		}
	}
	fmt.Printf("max round-trip error: %.3e\n", maxErr)
}
