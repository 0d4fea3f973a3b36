package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward functions for every forward operation used by the encoder and
// the classifier heads. There is no tape: each layer keeps what its
// backward needs in a cache struct (see encoder_backward.go, classifier.go)
// and calls these functions in reverse order.
//
// Parameter gradients are accumulated into Tensor.grad with
// AccumulateGrad, so a parameter used by several examples of a batch (or
// several positions of a sequence) sums its contributions. Input gradients
// are returned as fresh tensors.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Backward: given ∂L/∂z, compute ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// ===========================================================================

import (
	"math"
)

// MatMulBackward computes gradients for C = A @ B.
//
//   - gradA = gradC @ B^T
//   - gradB = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMulTransB(gradC, b)
	gradB = MatMulTransA(a, gradC)
	return gradA, gradB
}

// LinearBackward computes gradients for Y = X @ W^T + bias, where W is
// stored as (out, in). It accumulates into W's and bias's gradients and
// returns ∂L/∂X.
//
//   - gradX = gradY @ W
//   - gradW = gradY^T @ X
//   - gradBias = Σ_rows gradY
func LinearBackward(x, w, bias, gradY *Tensor) *Tensor {
	gradX := MatMul(gradY, w)
	w.AccumulateGrad(MatMulTransA(gradY, x))

	if bias != nil {
		out := bias.Size()
		for i, g := range gradY.data {
			bias.grad[i%out] += g
		}
	}

	return gradX
}

// GELUBackward computes gradient for the exact GELU:
// ∂Y/∂X = Φ(x) + x·φ(x), with Φ and φ the standard normal CDF and density.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const invSqrt2Pi = 0.3989422804014327 // 1/√(2π)

	for i, v := range x.data {
		cdf := 0.5 * (1.0 + math.Erf(v/math.Sqrt2))
		pdf := invSqrt2Pi * math.Exp(-0.5*v*v)
		gradX.data[i] = gradY.data[i] * (cdf + v*pdf)
	}

	return gradX
}

// TanhBackward computes gradient for Y = tanh(X) given the output Y:
// ∂Y/∂X = 1 - Y².
func TanhBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i, v := range y.data {
		gradX.data[i] = gradY.data[i] * (1 - v*v)
	}
	return gradX
}

// DropoutBackward applies the dropout mask to the incoming gradient. A nil
// mask means dropout was disabled.
func DropoutBackward(mask []float64, gradY *Tensor) *Tensor {
	if mask == nil {
		return gradY
	}
	gradX := NewTensor(gradY.shape...)
	for i, m := range mask {
		gradX.data[i] = gradY.data[i] * m
	}
	return gradX
}

// SoftmaxBackward computes gradient for row-wise softmax.
//
//	gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	batch := y.shape[0]
	features := y.shape[1]

	gradX := NewTensor(y.shape...)

	for b := 0; b < batch; b++ {
		off := b * features

		dot := 0.0
		for f := 0; f < features; f++ {
			dot += gradY.data[off+f] * y.data[off+f]
		}

		for f := 0; f < features; f++ {
			gradX.data[off+f] = y.data[off+f] * (gradY.data[off+f] - dot)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for y = gamma * (x - mean) / std + beta
// over the last dimension of a 2D input. It accumulates into gamma's and
// beta's gradients and returns ∂L/∂x.
func LayerNormBackward(x, gamma, beta, gradY *Tensor, epsilon float64) *Tensor {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	batch := x.shape[0]
	features := x.shape[1]
	n := float64(features)

	gradX := NewTensor(x.shape...)
	xNorm := make([]float64, features)

	for b := 0; b < batch; b++ {
		off := b * features
		row := x.data[off : off+features]
		g := gradY.data[off : off+features]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= n

		variance := 0.0
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		sumGrad := 0.0
		sumGradXNorm := 0.0
		for f := 0; f < features; f++ {
			xNorm[f] = (row[f] - mean) / std

			gamma.grad[f] += g[f] * xNorm[f]
			beta.grad[f] += g[f]

			gradXNorm := g[f] * gamma.data[f]
			sumGrad += gradXNorm
			sumGradXNorm += gradXNorm * xNorm[f]
		}

		for f := 0; f < features; f++ {
			gradXNorm := g[f] * gamma.data[f]
			gradX.data[off+f] = (n*gradXNorm - sumGrad - xNorm[f]*sumGradXNorm) / (n * std)
		}
	}

	return gradX
}

// AccumulateGrad adds gradient to a tensor's gradient buffer.
// Used when a tensor is used multiple times in the forward pass.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}

	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
