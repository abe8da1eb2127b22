// Package tensor provides a minimal rank-4 tensor used by the invertible layers.
package tensor

import "fmt"

// Tensor is a rank-4 array with shape (H, W, C, N): spatial height and width,
// channel count, batch size. Storage is a flat contiguous slice ordered
// batch-major, then channel, then row, then column, so each batch element is a
// contiguous block of C*H*W values and each channel within it a contiguous
// block of H*W values.
type Tensor struct {
	H, W, C, N int
	Data       []float64
}

// New allocates a zero-filled tensor of the given shape.
func New(h, w, c, n int) *Tensor {
	if h <= 0 || w <= 0 || c <= 0 || n <= 0 {
		panic(fmt.Sprintf("tensor: invalid shape (%d,%d,%d,%d)", h, w, c, n))
	}
	return &Tensor{H: h, W: w, C: c, N: n, Data: make([]float64, h*w*c*n)}
}

// NewFrom wraps an existing slice. The slice length must match the shape.
func NewFrom(h, w, c, n int, data []float64) *Tensor {
	if len(data) != h*w*c*n {
		panic(fmt.Sprintf("tensor: data length %d does not match shape (%d,%d,%d,%d)", len(data), h, w, c, n))
	}
	return &Tensor{H: h, W: w, C: c, N: n, Data: data}
}

// ZerosLike allocates a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.H, t.W, t.C, t.N)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.H, t.W, t.C, t.N)
	copy(out.Data, t.Data)
	return out
}

// Elems returns the number of values per batch element.
func (t *Tensor) Elems() int {
	return t.H * t.W * t.C
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.H == o.H && t.W == o.W && t.C == o.C && t.N == o.N
}

// index computes the flat offset for (h, w, c, n).
func (t *Tensor) index(h, w, c, n int) int {
	return ((n*t.C+c)*t.H+h)*t.W + w
}

// At returns the value at (h, w, c, n).
func (t *Tensor) At(h, w, c, n int) float64 {
	return t.Data[t.index(h, w, c, n)]
}

// Set stores v at (h, w, c, n).
func (t *Tensor) Set(h, w, c, n int, v float64) {
	t.Data[t.index(h, w, c, n)] = v
}

// Vec returns the contiguous per-batch-element slice for batch index n,
// ordered channel-major. It shares storage with t.
func (t *Tensor) Vec(n int) []float64 {
	e := t.Elems()
	return t.Data[n*e : (n+1)*e]
}

// SplitChannels copies the channel range [from, to) into a new tensor.
func (t *Tensor) SplitChannels(from, to int) *Tensor {
	if from < 0 || to > t.C || from >= to {
		panic(fmt.Sprintf("tensor: invalid channel range [%d,%d) for C=%d", from, to, t.C))
	}
	out := New(t.H, t.W, to-from, t.N)
	plane := t.H * t.W
	for n := 0; n < t.N; n++ {
		src := t.Vec(n)[from*plane : to*plane]
		copy(out.Vec(n), src)
	}
	return out
}

// ConcatChannels stacks a and b along the channel dimension.
func ConcatChannels(a, b *Tensor) *Tensor {
	if a.H != b.H || a.W != b.W || a.N != b.N {
		panic("tensor: concat shape mismatch")
	}
	out := New(a.H, a.W, a.C+b.C, a.N)
	plane := a.H * a.W
	for n := 0; n < a.N; n++ {
		dst := out.Vec(n)
		copy(dst[:a.C*plane], a.Vec(n))
		copy(dst[a.C*plane:], b.Vec(n))
	}
	return out
}

// FlattenSpatial reshapes t to (1, 1, H*W*C, N) sharing the underlying
// storage. Used to hand a tensor to a linear operator as per-batch vectors.
func (t *Tensor) FlattenSpatial() *Tensor {
	return &Tensor{H: 1, W: 1, C: t.Elems(), N: t.N, Data: t.Data}
}
