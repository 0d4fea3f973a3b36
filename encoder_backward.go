package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Forward-with-cache and backpropagation through the encoder.
//
// GRADIENT FLOW:
//
// Forward:  ids → Embed → LN → [Attention → +res → LN → FFN → +res → LN]×N
// Backward: ∂hidden → [∂LN → ∂FFN (+res) → ∂LN → ∂Attention (+res)]×N → ∂Embed
//
// Post-norm means the residual sum is the LayerNorm input, so each
// LayerNorm backward runs first and its input gradient is split between
// the residual branch and the sublayer.
//
// Dropout masks are part of the cache so backward sees exactly the units
// that were kept.
//
// ===========================================================================

// EncoderCache stores activations of one sequence for the backward pass.
type EncoderCache struct {
	inputIDs []int

	// Embeddings
	embedSum    *Tensor // before LayerNorm
	embedMask   []float64
	blockCaches []*LayerCache
}

// LayerCache stores activations for one encoder layer.
type LayerCache struct {
	input *Tensor

	attn *AttentionCache

	attnOut    *Tensor // attention dense output, before dropout
	attnMask   []float64
	residual1  *Tensor // LayerNorm 1 input
	normed1    *Tensor // LayerNorm 1 output
	preGELU    *Tensor
	activation *Tensor
	outMask    []float64
	residual2  *Tensor // LayerNorm 2 input
}

// AttentionCache stores activations for the attention sublayer.
type AttentionCache struct {
	input   *Tensor
	q, k, v *Tensor

	// Per head
	probs     []*Tensor // softmax output
	dropped   []*Tensor // probs after dropout
	probMasks [][]float64

	context *Tensor
}

// ForwardWithCache performs the forward pass over one sequence and keeps
// the activations needed by Backward. Dropout is applied only when train
// is set, drawing from rng.
func (e *Encoder) ForwardWithCache(inputIDs []int, train bool, rng *rand.Rand) (*Tensor, *EncoderCache) {
	seqLen := len(inputIDs)
	if seqLen > e.config.MaxPositionEmbeddings {
		panic(fmt.Sprintf("encoder: sequence length %d exceeds %d positions", seqLen, e.config.MaxPositionEmbeddings))
	}

	cache := &EncoderCache{
		inputIDs:    inputIDs,
		blockCaches: make([]*LayerCache, len(e.layers)),
	}

	hidden := e.config.HiddenSize
	emb := e.embeddings
	sum := NewTensor(seqLen, hidden)
	for i, id := range inputIDs {
		if id < 0 || id >= e.config.VocabSize {
			panic(fmt.Sprintf("encoder: token id %d out of range [0,%d)", id, e.config.VocabSize))
		}
		row := sum.data[i*hidden : (i+1)*hidden]
		word := emb.word.data[id*hidden : (id+1)*hidden]
		pos := emb.position.data[i*hidden : (i+1)*hidden]
		typ := emb.tokenType.data[:hidden]
		for d := range row {
			row[d] = word[d] + pos[d] + typ[d]
		}
	}
	cache.embedSum = sum

	x := emb.ln.Forward(sum)
	x, cache.embedMask = dropoutIf(train, x, emb.dropout, rng)

	mask := paddingMask(inputIDs)
	for i, layer := range e.layers {
		x, cache.blockCaches[i] = layer.forwardWithCache(x, mask, train, rng)
	}

	return x, cache
}

func (l *EncoderLayer) forwardWithCache(x *Tensor, mask []float64, train bool, rng *rand.Rand) (*Tensor, *LayerCache) {
	cache := &LayerCache{input: x}

	context, attnCache := l.attention.forwardWithCache(x, mask, train, rng)
	cache.attn = attnCache

	cache.attnOut = l.attnDense.Forward(context)
	dropped, attnMask := dropoutIf(train, cache.attnOut, l.dropout, rng)
	cache.attnMask = attnMask
	cache.residual1 = Add(dropped, x)
	cache.normed1 = l.attnNorm.Forward(cache.residual1)

	cache.preGELU = l.intermediate.Forward(cache.normed1)
	cache.activation = GELU(cache.preGELU)

	out := l.output.Forward(cache.activation)
	out, cache.outMask = dropoutIf(train, out, l.dropout, rng)
	cache.residual2 = Add(out, cache.normed1)

	return l.outputNorm.Forward(cache.residual2), cache
}

func (a *SelfAttention) forwardWithCache(x *Tensor, mask []float64, train bool, rng *rand.Rand) (*Tensor, *AttentionCache) {
	seqLen := x.shape[0]
	cache := &AttentionCache{
		input:     x,
		q:         a.query.Forward(x),
		k:         a.key.Forward(x),
		v:         a.value.Forward(x),
		probs:     make([]*Tensor, a.numHeads),
		dropped:   make([]*Tensor, a.numHeads),
		probMasks: make([][]float64, a.numHeads),
		context:   NewTensor(seqLen, x.shape[1]),
	}

	scale := 1.0 / math.Sqrt(float64(a.headDim))
	for h := 0; h < a.numHeads; h++ {
		qh := headColumns(cache.q, h, a.headDim)
		kh := headColumns(cache.k, h, a.headDim)
		vh := headColumns(cache.v, h, a.headDim)

		// scores = Q·K^T / √d + mask
		scores := MatMulTransB(qh, kh)
		for i := 0; i < seqLen; i++ {
			for j := 0; j < seqLen; j++ {
				scores.data[i*seqLen+j] = scores.data[i*seqLen+j]*scale + mask[j]
			}
		}

		probs := Softmax(scores)
		dropped, dropMask := dropoutIf(train, probs, a.dropout, rng)

		cache.probs[h] = probs
		cache.dropped[h] = dropped
		cache.probMasks[h] = dropMask

		setHeadColumns(cache.context, MatMul(dropped, vh), h, a.headDim)
	}

	return cache.context, cache
}

// Backward propagates ∂L/∂hidden of one sequence through the encoder,
// accumulating parameter gradients.
func (e *Encoder) Backward(gradHidden *Tensor, cache *EncoderCache) {
	grad := gradHidden
	for i := len(e.layers) - 1; i >= 0; i-- {
		grad = e.layers[i].backward(grad, cache.blockCaches[i])
	}

	emb := e.embeddings
	grad = DropoutBackward(cache.embedMask, grad)
	grad = emb.ln.Backward(cache.embedSum, grad)

	hidden := e.config.HiddenSize
	for i, id := range cache.inputIDs {
		g := grad.data[i*hidden : (i+1)*hidden]
		pos := emb.position.grad[i*hidden : (i+1)*hidden]
		typ := emb.tokenType.grad[:hidden]
		for d, v := range g {
			pos[d] += v
			typ[d] += v
		}

		// The padding row stays fixed
		if id == PaddingIndex {
			continue
		}
		word := emb.word.grad[id*hidden : (id+1)*hidden]
		for d, v := range g {
			word[d] += v
		}
	}
}

func (l *EncoderLayer) backward(gradOutput *Tensor, cache *LayerCache) *Tensor {
	// LayerNorm 2, then split between residual and feed-forward
	gradResidual2 := l.outputNorm.Backward(cache.residual2, gradOutput)

	gradOut := DropoutBackward(cache.outMask, gradResidual2)
	gradActivation := l.output.Backward(cache.activation, gradOut)
	gradPreGELU := GELUBackward(cache.preGELU, gradActivation)
	gradNormed1 := l.intermediate.Backward(cache.normed1, gradPreGELU)
	AddInPlace(gradNormed1, gradResidual2)

	// LayerNorm 1, then split between residual and attention
	gradResidual1 := l.attnNorm.Backward(cache.residual1, gradNormed1)

	gradAttnOut := DropoutBackward(cache.attnMask, gradResidual1)
	gradContext := l.attnDense.Backward(cache.attn.context, gradAttnOut)
	gradInput := l.attention.backward(gradContext, cache.attn)
	AddInPlace(gradInput, gradResidual1)

	return gradInput
}

func (a *SelfAttention) backward(gradContext *Tensor, cache *AttentionCache) *Tensor {
	seqLen, hidden := cache.input.shape[0], cache.input.shape[1]

	gradQ := NewTensor(seqLen, hidden)
	gradK := NewTensor(seqLen, hidden)
	gradV := NewTensor(seqLen, hidden)

	scale := 1.0 / math.Sqrt(float64(a.headDim))
	for h := 0; h < a.numHeads; h++ {
		qh := headColumns(cache.q, h, a.headDim)
		kh := headColumns(cache.k, h, a.headDim)
		vh := headColumns(cache.v, h, a.headDim)
		gradContextHead := headColumns(gradContext, h, a.headDim)

		// context = dropped @ V
		gradDropped, gradVHead := MatMulBackward(cache.dropped[h], vh, gradContextHead)
		gradProbs := DropoutBackward(cache.probMasks[h], gradDropped)
		gradScores := SoftmaxBackward(cache.probs[h], gradProbs)
		gradScores = Scale(gradScores, scale)

		// scores = Q @ K^T
		gradQHead := MatMul(gradScores, kh)
		gradKHead := MatMulTransA(gradScores, qh)

		setHeadColumns(gradQ, gradQHead, h, a.headDim)
		setHeadColumns(gradK, gradKHead, h, a.headDim)
		setHeadColumns(gradV, gradVHead, h, a.headDim)
	}

	// All three projections share the same input, so gradients add up
	gradInput := a.query.Backward(cache.input, gradQ)
	AddInPlace(gradInput, a.key.Backward(cache.input, gradK))
	AddInPlace(gradInput, a.value.Backward(cache.input, gradV))

	return gradInput
}

// paddingMask returns the additive attention mask over key positions.
func paddingMask(inputIDs []int) []float64 {
	mask := make([]float64, len(inputIDs))
	for i, id := range inputIDs {
		if id == PaddingIndex {
			mask[i] = attentionMaskValue
		}
	}
	return mask
}

func dropoutIf(train bool, x *Tensor, p float64, rng *rand.Rand) (*Tensor, []float64) {
	if !train || rng == nil {
		return x, nil
	}
	return Dropout(x, p, rng)
}
