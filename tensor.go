package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A minimal dense tensor: a flat float64 slice in row-major order, a shape,
// and a gradient buffer of the same size. Everything the encoder, the
// classifier heads and the losses need is built from the handful of
// operations below plus the backward functions in autograd.go.
//
// Labels and predictions are stored in tensors too. Integer class ids are
// kept as exact float64 values, which keeps one container type for every
// task shape (per-example, per-token, per-column).
//
// Shape errors are programmer bugs and panic. Errors that depend on input
// data (files, labels) are returned by the callers instead.
//
// ===========================================================================

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [batch, seq_len, features, etc.]
	grad  []float64 // Gradient for backpropagation
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
func NewTensor(shape ...int) *Tensor {
	size, err := shapeSize(shape)
	if err != nil {
		panic(err.Error())
	}

	// Copy shape slice to prevent external mutation
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorFrom wraps data in a tensor of the given shape without copying.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	size, err := shapeSize(shape)
	if err != nil {
		panic(err.Error())
	}
	if size != len(data) {
		panic(fmt.Sprintf("tensor: %d values for shape %v", len(data), shape))
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  data,
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorRand creates a tensor with values drawn from N(0, std²).
func NewTensorRand(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// NewTensorFill creates a tensor with every element set to value.
func NewTensorFill(value float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

func shapeSize(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: shape cannot be empty", ErrInvalidShape)
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			return 0, fmt.Errorf("%w: shape[%d] must be positive, got %d", ErrInvalidShape, i, dim)
		}
		size *= dim
	}
	return size, nil
}

// Shape returns a copy of the tensor's shape.
// The returned slice can be safely modified without affecting the tensor.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the underlying values. Writes are visible to the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad returns the underlying gradient buffer.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	idx := t.flatIndex(indices)
	return t.data[idx]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	idx := t.flatIndex(indices)
	t.data[idx] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
// Panics on invalid indices.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1

	// Compute flat index in row-major order
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// rowSize is the number of elements per index of the leading dimension.
func (t *Tensor) rowSize() int {
	return len(t.data) / t.shape[0]
}

// Rows returns a view of rows [from, to) along the leading dimension. The
// view shares data and gradient with t.
func (t *Tensor) Rows(from, to int) *Tensor {
	if from < 0 || to > t.shape[0] || from >= to {
		panic(fmt.Sprintf("tensor: rows [%d,%d) out of bounds for shape %v", from, to, t.shape))
	}

	n := t.rowSize()
	shape := t.Shape()
	shape[0] = to - from

	return &Tensor{
		data:  t.data[from*n : to*n],
		shape: shape,
		grad:  t.grad[from*n : to*n],
	}
}

// ZeroGrad clears the gradient tensor. Call before backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// Reshape returns a new view of the tensor with a different shape.
// The total number of elements must remain the same.
// The returned tensor shares the underlying data.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}

	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:  t.data, // Share underlying data
		shape: shapeCopy,
		grad:  t.grad, // Share gradient too
	}
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}

	return out
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	for i := range a.data {
		a.data[i] += b.data[i]
	}
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
func MatMul(a, b *Tensor) *Tensor {
	return gemm(false, false, a, b, globalComputeConfig)
}

// MatMulTransB computes A @ B^T for A (M, K) and B (N, K).
// Linear layers store weights as (out, in), so this is their forward pass.
func MatMulTransB(a, b *Tensor) *Tensor {
	return gemm(false, true, a, b, globalComputeConfig)
}

// MatMulTransA computes A^T @ B for A (K, M) and B (K, N).
func MatMulTransA(a, b *Tensor) *Tensor {
	return gemm(true, false, a, b, globalComputeConfig)
}

// Transpose returns the transpose of a 2D matrix: A^T.
// A: (M, N) -> A^T: (N, M).
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}

	return out
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// GELU applies the Gaussian Error Linear Unit in its exact form:
//
// GELU(x) = 0.5 * x * (1 + erf(x / √2))
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = 0.5 * v * (1.0 + math.Erf(v/math.Sqrt2))
	}
	return out
}

// Tanh applies the hyperbolic tangent element-wise.
func Tanh(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Tanh(v)
	}
	return out
}

// Softmax applies softmax over the last dimension of a 2D tensor.
//
// Numerically stable version: subtract max before exp to prevent overflow.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax currently requires 2D tensor")
	}

	batch, features := x.shape[0], x.shape[1]
	out := NewTensor(batch, features)

	for b := 0; b < batch; b++ {
		row := x.data[b*features : (b+1)*features]
		dst := out.data[b*features : (b+1)*features]
		softmaxInto(dst, row)
	}

	return out
}

func softmaxInto(dst, logits []float64) {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i, v := range logits {
		dst[i] = math.Exp(v - maxVal)
		sum += dst[i]
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// Dropout zeroes each element with probability p and rescales the rest
// by 1/(1-p). It returns the output and the mask (scale factor per element)
// needed by DropoutBackward. With p == 0 the mask is nil and x is returned.
func Dropout(x *Tensor, p float64, rng *rand.Rand) (*Tensor, []float64) {
	if p <= 0 {
		return x, nil
	}

	keep := 1.0 / (1.0 - p)
	out := NewTensor(x.shape...)
	mask := make([]float64, len(x.data))
	for i, v := range x.data {
		if rng.Float64() >= p {
			mask[i] = keep
			out.data[i] = v * keep
		}
	}
	return out, mask
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// argmax returns the index of the maximum value.
func argmax(data []float64) int {
	if len(data) == 0 {
		return -1
	}

	maxIdx := 0
	maxVal := data[0]

	for i := 1; i < len(data); i++ {
		if data[i] > maxVal {
			maxVal = data[i]
			maxIdx = i
		}
	}

	return maxIdx
}
