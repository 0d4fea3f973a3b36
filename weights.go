package main

import (
	"fmt"
	"log/slog"
)

// ClassWeights derives loss weights from the training labels of a task.
//
// Binary tasks get one positive-class weight per output column, the ratio
// of negative to positive labels. Multiclass tasks get one weight per
// class, numSamples / (numClasses × count(k)). IgnoreIndex positions are
// not counted.
func ClassWeights(task *Task, labels *Tensor) ([]float64, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	if task.Type.Has(Binary) {
		return binaryWeights(task, labels), nil
	}
	return multiclassWeights(task, labels)
}

func binaryWeights(task *Task, labels *Tensor) []float64 {
	columns := 1
	if task.Type.Has(MultiLabel) {
		columns = labels.shape[len(labels.shape)-1]
	}

	pos := make([]int, columns)
	neg := make([]int, columns)
	for i, y := range labels.data {
		switch y {
		case 1:
			pos[i%columns]++
		case 0:
			neg[i%columns]++
		}
	}

	weights := make([]float64, columns)
	for c := range weights {
		if pos[c] == 0 || neg[c] == 0 {
			slog.Warn("class weight defaults to 1", "task", task.Name, "column", c, "positive", pos[c], "negative", neg[c])
			weights[c] = 1
			continue
		}
		weights[c] = float64(neg[c]) / float64(pos[c])
	}
	return weights
}

func multiclassWeights(task *Task, labels *Tensor) ([]float64, error) {
	numClasses := len(task.Labels)
	samples := 0
	for _, y := range labels.data {
		if y == IgnoreIndex {
			continue
		}
		samples++
		if task.Labels == nil && int(y)+1 > numClasses {
			numClasses = int(y) + 1
		}
	}
	if samples == 0 {
		return nil, fmt.Errorf("%w: task %s has no labelled examples", ErrInconsistentLabels, task.Name)
	}

	counts := make([]int, numClasses)
	for _, y := range labels.data {
		if y != IgnoreIndex {
			counts[int(y)]++
		}
	}

	weights := make([]float64, numClasses)
	for k, n := range counts {
		if n == 0 {
			slog.Warn("class absent from training labels", "task", task.Name, "class", k)
			continue
		}
		weights[k] = float64(samples) / float64(numClasses*n)
	}
	return weights, nil
}
