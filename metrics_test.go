package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vector(values ...float64) *Tensor {
	return NewTensorFrom(values, len(values))
}

func TestAccuracy(t *testing.T) {
	assert.InDelta(t, 0.75, Accuracy(vector(0, 1, 2, 1), vector(0, 1, 2, 0)), 1e-12)

	// Ignored positions count as neither right nor wrong
	assert.InDelta(t, 0.5, Accuracy(vector(IgnoreIndex, 1, 0, IgnoreIndex), vector(1, 1, 1, 0)), 1e-12)

	assert.True(t, math.IsInf(Accuracy(vector(IgnoreIndex), vector(0)), -1))
}

func TestF1Score(t *testing.T) {
	// tp=2 fp=1 fn=1
	labels := vector(1, 1, 1, 0, 0)
	preds := vector(1, 1, 0, 1, 0)
	assert.InDelta(t, 4.0/6, F1Score(labels, preds), 1e-12)

	assert.True(t, math.IsInf(F1Score(vector(0, 0), vector(0, 0)), -1))
}

func TestMatthewsCorrelationCoefficient(t *testing.T) {
	labels := vector(1, 1, 0, 0)

	assert.InDelta(t, 1.0, MatthewsCorrelationCoefficient(labels, vector(1, 1, 0, 0)), 1e-12)
	assert.InDelta(t, -1.0, MatthewsCorrelationCoefficient(labels, vector(0, 0, 1, 1)), 1e-12)

	// tp=1 tn=1 fp=1 fn=1
	assert.InDelta(t, 0.0, MatthewsCorrelationCoefficient(labels, vector(1, 0, 1, 0)), 1e-12)

	// TN + FN = 0 when nothing is predicted negative
	mcc := MatthewsCorrelationCoefficient(labels, vector(1, 1, 1, 1))
	assert.True(t, math.IsInf(mcc, -1), "got %v", mcc)
}

func TestMetricsShapeMismatchPanics(t *testing.T) {
	require.Panics(t, func() { Accuracy(vector(1, 0), vector(1)) })
	require.Panics(t, func() { MatthewsCorrelationCoefficient(vector(1, 0), vector(1)) })
}

func TestLookupMetric(t *testing.T) {
	m, err := LookupMetric("f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", m.Name)

	_, err = LookupMetric("auc")
	assert.ErrorIs(t, err, ErrUnknownMetric)
	assert.Contains(t, err.Error(), "accuracy, f1, matthewscc")
}
