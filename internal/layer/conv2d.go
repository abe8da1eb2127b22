// Package layer implements the invertible layers of the conditional SLIM
// architecture: wavelet squeezing, orthogonal 1x1 convolutions, hierarchical
// (HINT) couplings, an operator-conditioned (SLIM) coupling, and the composite
// conditional layer that wires them together.
package layer

import (
	"fmt"
	"math"

	"github.com/invertnet/invertnet/internal/activations"
	"github.com/invertnet/invertnet/internal/tensor"
)

// Conv2D is a batched stride-1 2D convolutional layer.
// Uses direct convolution computation for correctness.
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	padding     int

	// Weights: [outChannels, inChannels, kernelSize, kernelSize]
	// Stored as contiguous slice for cache efficiency
	weights []float64
	biases  []float64

	activation activations.Activation

	gradWeights []float64
	gradBiases  []float64

	// Saved activations for the backward pass
	savedInput *tensor.Tensor
	preAct     *tensor.Tensor
}

// NewConv2D creates a new 2D convolutional layer with He-initialized weights
// and zero biases.
func NewConv2D(inChannels, outChannels, kernelSize, padding int,
	activation activations.Activation) *Conv2D {

	// He initialization
	dist := newNormal(math.Sqrt(2.0 / float64(inChannels*kernelSize*kernelSize)))

	weights := make([]float64, outChannels*inChannels*kernelSize*kernelSize)
	for i := range weights {
		weights[i] = dist.Rand()
	}

	return &Conv2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		padding:     padding,
		activation:  activation,

		weights:     weights,
		biases:      make([]float64, outChannels),
		gradWeights: make([]float64, len(weights)),
		gradBiases:  make([]float64, outChannels),
	}
}

// outputSize calculates the output spatial dimensions.
func (c *Conv2D) outputSize(inputHeight, inputWidth int) (int, int) {
	outH := inputHeight + 2*c.padding - c.kernelSize + 1
	outW := inputWidth + 2*c.padding - c.kernelSize + 1
	return outH, outW
}

// Forward performs a forward pass through the convolutional layer.
func (c *Conv2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.C != c.inChannels {
		panic(fmt.Sprintf("Conv2D: input has %d channels, expected %d", x.C, c.inChannels))
	}
	outH, outW := c.outputSize(x.H, x.W)
	if outH <= 0 || outW <= 0 {
		panic(fmt.Sprintf("Conv2D: output size %dx%d for input %dx%d", outH, outW, x.H, x.W))
	}

	c.savedInput = x.Clone()
	c.preAct = tensor.New(outH, outW, c.outChannels, x.N)
	out := tensor.New(outH, outW, c.outChannels, x.N)

	kernelSize := c.kernelSize
	padding := c.padding
	outSize := outH * outW
	icWeightStride := kernelSize * kernelSize
	ocWeightStride := c.inChannels * icWeightStride

	for n := 0; n < x.N; n++ {
		in := x.Vec(n)
		pre := c.preAct.Vec(n)
		act := out.Vec(n)

		for oc := 0; oc < c.outChannels; oc++ {
			ocWeightBase := oc * ocWeightStride
			ocOutBase := oc * outSize

			for ic := 0; ic < c.inChannels; ic++ {
				icWeightBase := ocWeightBase + ic*icWeightStride
				inChannelOffset := ic * x.H * x.W

				for kh := 0; kh < kernelSize; kh++ {
					khWeightBase := icWeightBase + kh*kernelSize

					for kw := 0; kw < kernelSize; kw++ {
						wVal := c.weights[khWeightBase+kw]

						for oh := 0; oh < outH; oh++ {
							inH := oh + kh - padding
							if inH < 0 || inH >= x.H {
								continue
							}
							inHOffset := inChannelOffset + inH*x.W
							ohOffset := ocOutBase + oh*outW
							for ow := 0; ow < outW; ow++ {
								inW := ow + kw - padding
								if inW >= 0 && inW < x.W {
									pre[ohOffset+ow] += wVal * in[inHOffset+inW]
								}
							}
						}
					}
				}
			}

			// Add bias and apply activation for this output channel
			biasVal := c.biases[oc]
			for i := ocOutBase; i < ocOutBase+outSize; i++ {
				sum := pre[i] + biasVal
				pre[i] = sum
				act[i] = c.activation.Activate(sum)
			}
		}
	}

	return out
}

// Backward performs backpropagation through the convolutional layer.
// grad holds dL/d(activated output); parameter gradients accumulate and the
// input gradient is returned. Must follow a matching Forward call.
func (c *Conv2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if c.savedInput == nil {
		panic("Conv2D: Backward called before Forward")
	}
	if !grad.SameShape(c.preAct) {
		panic("Conv2D: gradient shape does not match forward output")
	}

	x := c.savedInput
	outH, outW := grad.H, grad.W
	outSize := outH * outW
	kernelSize := c.kernelSize
	padding := c.padding
	icWeightStride := kernelSize * kernelSize
	ocWeightStride := c.inChannels * icWeightStride

	gradInput := tensor.ZerosLike(x)

	for n := 0; n < x.N; n++ {
		in := x.Vec(n)
		gIn := gradInput.Vec(n)
		gOut := grad.Vec(n)
		pre := c.preAct.Vec(n)

		for oc := 0; oc < c.outChannels; oc++ {
			ocWeightBase := oc * ocWeightStride
			ocOutBase := oc * outSize

			for oh := 0; oh < outH; oh++ {
				ohOffset := ocOutBase + oh*outW
				for ow := 0; ow < outW; ow++ {
					pos := ohOffset + ow

					// dL/dz = dL/d(output) * activation'(z)
					gradAfterAct := gOut[pos] * c.activation.Derivative(pre[pos])
					if gradAfterAct == 0 {
						continue
					}
					c.gradBiases[oc] += gradAfterAct

					for ic := 0; ic < c.inChannels; ic++ {
						icWeightBase := ocWeightBase + ic*icWeightStride
						inChannelOffset := ic * x.H * x.W

						for kh := 0; kh < kernelSize; kh++ {
							inH := oh + kh - padding
							if inH < 0 || inH >= x.H {
								continue
							}
							inHOffset := inChannelOffset + inH*x.W
							khWeightBase := icWeightBase + kh*kernelSize

							for kw := 0; kw < kernelSize; kw++ {
								inW := ow + kw - padding
								if inW >= 0 && inW < x.W {
									inputIdx := inHOffset + inW
									weightIdx := khWeightBase + kw

									c.gradWeights[weightIdx] += gradAfterAct * in[inputIdx]
									gIn[inputIdx] += gradAfterAct * c.weights[weightIdx]
								}
							}
						}
					}
				}
			}
		}
	}

	return gradInput
}

// Params returns all convolutional layer parameters flattened (copy).
func (c *Conv2D) Params() []float64 {
	params := make([]float64, len(c.weights)+len(c.biases))
	copy(params, c.weights)
	copy(params[len(c.weights):], c.biases)
	return params
}

// SetParams updates weights and biases from a flattened slice.
func (c *Conv2D) SetParams(params []float64) {
	copy(c.weights, params[:len(c.weights)])
	copy(c.biases, params[len(c.weights):])
}

// Gradients returns all accumulated gradients flattened (copy).
func (c *Conv2D) Gradients() []float64 {
	gradients := make([]float64, len(c.gradWeights)+len(c.gradBiases))
	copy(gradients, c.gradWeights)
	copy(gradients[len(c.gradWeights):], c.gradBiases)
	return gradients
}

// ClearGradients zeroes out the accumulated gradients.
func (c *Conv2D) ClearGradients() {
	for i := range c.gradWeights {
		c.gradWeights[i] = 0
	}
	for i := range c.gradBiases {
		c.gradBiases[i] = 0
	}
}
