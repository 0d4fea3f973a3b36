package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkLossGradient compares the analytic gradient of c against central
// differences over every logit.
func checkLossGradient(t *testing.T, c Criterion, logits, labels *Tensor) {
	t.Helper()

	_, grad := c.Loss(logits, labels)

	const h = 1e-6
	for i := range logits.data {
		orig := logits.data[i]

		logits.data[i] = orig + h
		plus, _ := c.Loss(logits, labels)
		logits.data[i] = orig - h
		minus, _ := c.Loss(logits, labels)
		logits.data[i] = orig

		numeric := (plus - minus) / (2 * h)
		assert.InDelta(t, numeric, grad.data[i], 1e-6, "logit %d", i)
	}
}

func TestBCEWithLogitsLoss(t *testing.T) {
	c := &BCEWithLogitsLoss{PosWeight: []float64{1}}

	loss, _ := c.Loss(vector(0), vector(1))
	assert.InDelta(t, math.Log(2), loss, 1e-12)

	// Large logits stay finite
	loss, _ = c.Loss(vector(-1000, 1000), vector(1, 0))
	assert.InDelta(t, 1000, loss, 1e-9)

	weighted := &BCEWithLogitsLoss{PosWeight: []float64{3}}
	loss, _ = weighted.Loss(vector(0), vector(1))
	assert.InDelta(t, 3*math.Log(2), loss, 1e-12)
}

func TestBCEWithLogitsLossGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := &BCEWithLogitsLoss{PosWeight: []float64{0.5, 2}}

	logits := NewTensorRand(rng, 2, 3, 2)
	labels := NewTensorFrom([]float64{1, 0, 0, 1, 1, IgnoreIndex}, 3, 2)
	checkLossGradient(t, c, logits, labels)
}

func TestBCEWithLogitsLossAllIgnored(t *testing.T) {
	c := &BCEWithLogitsLoss{PosWeight: []float64{1}}

	loss, grad := c.Loss(vector(0.3, -2), vector(IgnoreIndex, IgnoreIndex))
	assert.True(t, math.IsInf(loss, -1))
	assert.Equal(t, []float64{0, 0}, grad.data)
}

func TestCrossEntropyLoss(t *testing.T) {
	c := &CrossEntropyLoss{Weight: []float64{1, 1, 1}, IgnoreIndex: IgnoreIndex}

	loss, _ := c.Loss(NewTensor(1, 3), vector(2))
	assert.InDelta(t, math.Log(3), loss, 1e-12)

	// Ignored rows leave the mean unchanged
	logits := NewTensorFrom([]float64{0, 0, 0, 5, -5, 1}, 2, 3)
	loss, grad := c.Loss(logits, vector(1, IgnoreIndex))
	assert.InDelta(t, math.Log(3), loss, 1e-12)
	assert.Equal(t, []float64{0, 0, 0}, grad.data[3:])
}

func TestCrossEntropyLossWeighted(t *testing.T) {
	c := &CrossEntropyLoss{Weight: []float64{2, 1}, IgnoreIndex: IgnoreIndex}

	// Σ w_y·ℓ / Σ w_y with equal per-row losses is that loss
	loss, _ := c.Loss(NewTensor(2, 2), vector(0, 1))
	assert.InDelta(t, math.Log(2), loss, 1e-12)
}

func TestCrossEntropyLossGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	c := &CrossEntropyLoss{Weight: []float64{0.5, 1, 3}, IgnoreIndex: IgnoreIndex}

	logits := NewTensorRand(rng, 1.5, 4, 3)
	checkLossGradient(t, c, logits, vector(2, IgnoreIndex, 0, 1))
}

func TestCrossEntropyLossEdgeCases(t *testing.T) {
	c := &CrossEntropyLoss{Weight: []float64{1, 1}, IgnoreIndex: IgnoreIndex}

	loss, _ := c.Loss(NewTensor(2, 2), vector(IgnoreIndex, IgnoreIndex))
	assert.True(t, math.IsInf(loss, -1))

	require.Panics(t, func() { c.Loss(NewTensor(1, 2), vector(2)) })
	require.Panics(t, func() { c.Loss(NewTensor(2, 2), vector(0)) })
}
