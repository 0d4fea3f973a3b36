package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Criterion computes a scalar loss and its gradient with respect to the
// logits in one pass.
type Criterion interface {
	Loss(logits, labels *Tensor) (loss float64, gradLogits *Tensor)
}

// BCEWithLogitsLoss is binary cross-entropy on raw logits with a weight on
// positive examples per output column:
//
//	ℓ = -[w·y·log σ(x) + (1-y)·log(1-σ(x))]
//
// The loss is averaged over every element whose label is not IgnoreIndex.
type BCEWithLogitsLoss struct {
	PosWeight []float64
}

func (c *BCEWithLogitsLoss) Loss(logits, labels *Tensor) (float64, *Tensor) {
	if !shapeEqual(logits.shape, labels.shape) {
		panic(fmt.Sprintf("BCEWithLogitsLoss: logits %v vs labels %v", logits.shape, labels.shape))
	}

	columns := len(c.PosWeight)
	grad := NewTensor(logits.shape...)
	losses := make([]float64, 0, logits.Size())

	for i, x := range logits.data {
		y := labels.data[i]
		if y == IgnoreIndex {
			continue
		}

		w := c.PosWeight[i%columns]
		losses = append(losses, w*y*softplus(-x)+(1-y)*softplus(x))

		s := sigmoid(x)
		grad.data[i] = w*y*(s-1) + (1-y)*s
	}

	if len(losses) == 0 {
		return math.Inf(-1), grad
	}

	n := float64(len(losses))
	floats.Scale(1/n, grad.data)
	return floats.Sum(losses) / n, grad
}

// CrossEntropyLoss is softmax cross-entropy over (N, K) logits and (N)
// class labels with a weight per class. Rows labelled IgnoreIndex do not
// contribute. The result is the weighted mean Σ w_y·ℓ / Σ w_y.
type CrossEntropyLoss struct {
	Weight      []float64
	IgnoreIndex int
}

func (c *CrossEntropyLoss) Loss(logits, labels *Tensor) (float64, *Tensor) {
	if len(logits.shape) != 2 || labels.Size() != logits.shape[0] {
		panic(fmt.Sprintf("CrossEntropyLoss: logits %v vs labels %v", logits.shape, labels.shape))
	}

	rows, classes := logits.shape[0], logits.shape[1]
	grad := NewTensor(rows, classes)

	total, totalWeight := 0.0, 0.0
	for r := 0; r < rows; r++ {
		y := int(labels.data[r])
		if y == c.IgnoreIndex {
			continue
		}
		if y < 0 || y >= classes {
			panic(fmt.Sprintf("CrossEntropyLoss: label %d out of range [0,%d)", y, classes))
		}

		row := logits.data[r*classes : (r+1)*classes]
		g := grad.data[r*classes : (r+1)*classes]
		softmaxInto(g, row)

		w := c.Weight[y]
		total += w * (logSumExp(row) - row[y])
		totalWeight += w

		// ∂ℓ/∂x = w·(softmax - onehot)
		g[y] -= 1
		floats.Scale(w, g)
	}

	if totalWeight == 0 {
		return math.Inf(-1), NewTensor(rows, classes)
	}

	floats.Scale(1/totalWeight, grad.data)
	return total / totalWeight, grad
}

func logSumExp(x []float64) float64 {
	maxVal := floats.Max(x)
	sum := 0.0
	for _, v := range x {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus computes log(1 + eˣ) without overflow.
func softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}
