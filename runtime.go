package main

import (
	"fmt"
	"math/rand"
)

// TaskRuntime binds a task to its head, its criterion and its prediction
// rule. It is built once, after class weights are known.
type TaskRuntime struct {
	*Task

	Head      Head
	Criterion Criterion
}

// NewTaskRuntime creates a fresh head for task on top of an encoder with
// the given config. weights are the class weights from the training split.
func NewTaskRuntime(task *Task, weights []float64, config BERTConfig, rng *rand.Rand) (*TaskRuntime, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	opts := HeadOptions{
		Kind:        task.HeadKind(),
		Task:        task.Name,
		HiddenSize:  config.HiddenSize,
		NumOutputs:  len(weights),
		TokenLevel:  task.Type.Has(TokenLevel),
		TaskType:    task.Type,
		DropoutProb: config.HiddenDropoutProb,
		Labels:      task.Labels,
	}

	head, err := NewHead(opts, rng)
	if err != nil {
		return nil, err
	}

	return &TaskRuntime{
		Task:      task,
		Head:      head,
		Criterion: newCriterion(task, weights),
	}, nil
}

// RuntimeFromHead rebuilds a task runtime around a loaded head for
// inference. It has no criterion.
func RuntimeFromHead(head Head) *TaskRuntime {
	opts := head.Options()
	return &TaskRuntime{
		Task: &Task{
			Name:   opts.Task,
			Type:   opts.TaskType,
			Labels: opts.Labels,
		},
		Head: head,
	}
}

func newCriterion(task *Task, weights []float64) Criterion {
	if task.Type.Has(Binary) {
		return &BCEWithLogitsLoss{PosWeight: weights}
	}
	return &CrossEntropyLoss{Weight: weights, IgnoreIndex: IgnoreIndex}
}

// Loss scores logits against labels. Token-level multiclass logits
// (B, L, K) are flattened to (B·L, K) first. The returned gradient has the
// shape of logits.
func (rt *TaskRuntime) Loss(logits, labels *Tensor) (float64, *Tensor) {
	if rt.Criterion == nil {
		panic(fmt.Sprintf("task %s: no criterion bound", rt.Name))
	}

	if logits.Dims() == 3 {
		shape := logits.Shape()
		flat := logits.Reshape(shape[0]*shape[1], shape[2])
		loss, grad := rt.Criterion.Loss(flat, labels.Reshape(shape[0]*shape[1]))
		return loss, grad.Reshape(shape...)
	}
	return rt.Criterion.Loss(logits, labels)
}

func (rt *TaskRuntime) Predict(logits *Tensor) *Tensor {
	return rt.Head.Predict(logits)
}

// CheckLabels verifies that every label of a split fits the outputs of the
// head, so that validation data cannot reference classes the head does not
// have.
func (rt *TaskRuntime) CheckLabels(labels *Tensor) error {
	classes := rt.Head.Options().NumOutputs
	if rt.Type.Has(Binary) {
		if columns := labels.shape[labels.Dims()-1]; rt.Type.Has(MultiLabel) && columns != classes {
			return fmt.Errorf("%w: task %s has %d label columns, expected %d", ErrInconsistentLabels, rt.Name, columns, classes)
		}
		return nil
	}
	for i, y := range labels.data {
		if y != IgnoreIndex && (y < 0 || int(y) >= classes) {
			return fmt.Errorf("%w: task %s label %v at position %d outside the %d training classes", ErrInconsistentLabels, rt.Name, y, i, classes)
		}
	}
	return nil
}
