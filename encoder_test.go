package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyConfig is a BERT small enough for finite-difference checks.
func tinyConfig() BERTConfig {
	return BERTConfig{
		VocabSize:             len(helloVocab),
		HiddenSize:            4,
		NumHiddenLayers:       1,
		NumAttentionHeads:     2,
		IntermediateSize:      8,
		MaxPositionEmbeddings: 8,
		TypeVocabSize:         2,
		LayerNormEps:          1e-12,
	}
}

// dot is Σ a·b over two equally sized tensors.
func dot(a, b *Tensor) float64 {
	sum := 0.0
	for i, v := range a.data {
		sum += v * b.data[i]
	}
	return sum
}

func TestEncoderShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	e := NewEncoder(tinyConfig(), rng)

	hidden := e.Forward([]int{2, 4, 3, 0})
	assert.Equal(t, []int{4, 4}, hidden.Shape())

	states, caches := e.ForwardBatch([][]int{{2, 4, 3, 0}, {2, 5, 5, 3}}, false, nil)
	require.Len(t, states, 2)
	require.Len(t, caches, 2)
	assert.True(t, tensorsEqual(hidden, states[0], 1e-12))

	names := make(map[string]bool)
	for _, p := range e.NamedParameters() {
		assert.False(t, names[p.Name], "duplicate parameter %s", p.Name)
		names[p.Name] = true
	}
	assert.True(t, names["embeddings.wordEmbeddings.weight"])
	assert.True(t, names["encoder.layer.0.attention.self.query.weight"])
	assert.True(t, names["encoder.layer.0.output.layerNorm.bias"])

	assert.Panics(t, func() { e.Forward(make([]int, 9)) })
	assert.Panics(t, func() { e.Forward([]int{2, 99}) })
}

func TestEncoderPaddingIsMasked(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	e := NewEncoder(tinyConfig(), rng)

	// Content positions do not depend on what sits behind the padding mask
	a := e.Forward([]int{2, 4, 3, 0, 0})
	b := e.Forward([]int{2, 4, 3, 0, 0, 0})
	for i := range 3 * 4 {
		assert.InDelta(t, a.data[i], b.data[i], 1e-9)
	}
}

func TestEncoderGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	e := NewEncoder(tinyConfig(), rng)
	ids := []int{2, 4, 5, 3}

	// L = Σ hidden ⊙ R
	hidden, cache := e.ForwardWithCache(ids, false, nil)
	r := NewTensorRand(rng, 1, hidden.Shape()...)
	e.Backward(r, cache)

	const h = 1e-5
	for _, p := range e.NamedParameters() {
		data := p.Tensor.data
		for _, i := range []int{0, len(data) / 2, len(data) - 1} {
			orig := data[i]
			data[i] = orig + h
			plus := dot(e.Forward(ids), r)
			data[i] = orig - h
			minus := dot(e.Forward(ids), r)
			data[i] = orig

			numeric := (plus - minus) / (2 * h)
			analytic := p.Tensor.grad[i]
			tol := 1e-5 * math.Max(1, math.Abs(numeric))
			assert.InDelta(t, numeric, analytic, tol, "%s[%d]", p.Name, i)
		}
	}
}
