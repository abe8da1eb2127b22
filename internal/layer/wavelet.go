package layer

import (
	"fmt"

	"github.com/invertnet/invertnet/internal/tensor"
)

// WaveletSqueeze applies the orthonormal 2D Haar transform to every 2x2
// spatial block, halving both spatial dimensions and multiplying the channel
// count by 4. Output channels are subband-major: for input channel k the
// averages land in channel k, the horizontal details in C+k, the vertical
// details in 2C+k and the diagonal details in 3C+k. The transform is
// orthonormal, so WaveletUnsqueeze is both its exact inverse and its
// vector-Jacobian product.
func WaveletSqueeze(x *tensor.Tensor) *tensor.Tensor {
	if x.H%2 != 0 || x.W%2 != 0 {
		panic(fmt.Sprintf("wavelet: spatial dims (%d,%d) must be even", x.H, x.W))
	}
	out := tensor.New(x.H/2, x.W/2, 4*x.C, x.N)

	for n := 0; n < x.N; n++ {
		for c := 0; c < x.C; c++ {
			for i := 0; i < x.H/2; i++ {
				for j := 0; j < x.W/2; j++ {
					a := x.At(2*i, 2*j, c, n)
					b := x.At(2*i, 2*j+1, c, n)
					d := x.At(2*i+1, 2*j, c, n)
					e := x.At(2*i+1, 2*j+1, c, n)

					out.Set(i, j, c, n, (a+b+d+e)/2)
					out.Set(i, j, x.C+c, n, (a-b+d-e)/2)
					out.Set(i, j, 2*x.C+c, n, (a+b-d-e)/2)
					out.Set(i, j, 3*x.C+c, n, (a-b-d+e)/2)
				}
			}
		}
	}
	return out
}

// WaveletUnsqueeze is the exact inverse of WaveletSqueeze: doubles both
// spatial dimensions and divides the channel count by 4.
func WaveletUnsqueeze(z *tensor.Tensor) *tensor.Tensor {
	if z.C%4 != 0 {
		panic(fmt.Sprintf("wavelet: channel count %d must be divisible by 4", z.C))
	}
	cOut := z.C / 4
	out := tensor.New(2*z.H, 2*z.W, cOut, z.N)

	for n := 0; n < z.N; n++ {
		for c := 0; c < cOut; c++ {
			for i := 0; i < z.H; i++ {
				for j := 0; j < z.W; j++ {
					ll := z.At(i, j, c, n)
					lh := z.At(i, j, cOut+c, n)
					hl := z.At(i, j, 2*cOut+c, n)
					hh := z.At(i, j, 3*cOut+c, n)

					out.Set(2*i, 2*j, c, n, (ll+lh+hl+hh)/2)
					out.Set(2*i, 2*j+1, c, n, (ll-lh+hl-hh)/2)
					out.Set(2*i+1, 2*j, c, n, (ll+lh-hl-hh)/2)
					out.Set(2*i+1, 2*j+1, c, n, (ll-lh-hl+hh)/2)
				}
			}
		}
	}
	return out
}
