package main

import (
	"fmt"
	"math"
)

// confusion counts binary outcomes over every element of labels and
// predictions. Positions labelled IgnoreIndex match none of the cases.
type confusion struct {
	tp, tn, fp, fn int
}

func countConfusion(labels, predictions *Tensor) confusion {
	if labels.Size() != predictions.Size() {
		panic(fmt.Sprintf("metrics: %d labels vs %d predictions", labels.Size(), predictions.Size()))
	}

	var c confusion
	for i, y := range labels.data {
		p := predictions.data[i]
		switch {
		case y == 1 && p == 1:
			c.tp++
		case y == 0 && p == 0:
			c.tn++
		case y == 0 && p == 1:
			c.fp++
		case y == 1 && p == 0:
			c.fn++
		}
	}
	return c
}

// Accuracy is the fraction of non-ignored positions predicted correctly.
func Accuracy(labels, predictions *Tensor) float64 {
	if labels.Size() != predictions.Size() {
		panic(fmt.Sprintf("metrics: %d labels vs %d predictions", labels.Size(), predictions.Size()))
	}

	correct, total := 0, 0
	for i, y := range labels.data {
		if y == IgnoreIndex {
			continue
		}
		total++
		if predictions.data[i] == y {
			correct++
		}
	}

	if total == 0 {
		return math.Inf(-1)
	}
	return float64(correct) / float64(total)
}

// F1Score is 2TP / (2TP + FP + FN) for the positive class 1.
func F1Score(labels, predictions *Tensor) float64 {
	c := countConfusion(labels, predictions)

	denominator := 2*c.tp + c.fp + c.fn
	if denominator == 0 {
		return math.Inf(-1)
	}
	return float64(2*c.tp) / float64(denominator)
}

// MatthewsCorrelationCoefficient is the binary MCC. When there are no
// negative predictions at all (TN + FN = 0), or any other factor of the
// denominator vanishes, it returns negative infinity.
func MatthewsCorrelationCoefficient(labels, predictions *Tensor) float64 {
	c := countConfusion(labels, predictions)

	if c.tn+c.fn == 0 {
		return math.Inf(-1)
	}

	tp, tn, fp, fn := float64(c.tp), float64(c.tn), float64(c.fp), float64(c.fn)
	denominator := math.Sqrt((tp + fp) * (tp + fn) * (tn + fp) * (tn + fn))
	if denominator == 0 {
		return math.Inf(-1)
	}
	return (tp*tn - fp*fn) / denominator
}
