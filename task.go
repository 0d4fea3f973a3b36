package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedTask is returned for task type combinations that have no
	// loss or class weighting.
	ErrUnsupportedTask = errors.New("task: unsupported task type")

	// ErrUnknownMetric is returned for a metric name that is not registered.
	ErrUnknownMetric = errors.New("task: unknown metric")
)

// HeadKind names the classifier head a task is bound to. It is part of
// checkpoint file names.
type HeadKind string

const (
	BinaryHeadKind     HeadKind = "binary"
	MulticlassHeadKind HeadKind = "multiclass"
)

// MetricFunc scores predictions against labels of the same shape.
type MetricFunc func(labels, predictions *Tensor) float64

type Metric struct {
	Name string
	Fn   MetricFunc
}

var metrics = map[string]MetricFunc{
	"accuracy":   Accuracy,
	"f1":         F1Score,
	"matthewscc": MatthewsCorrelationCoefficient,
}

// LookupMetric returns the registered metric with the given name.
func LookupMetric(name string) (Metric, error) {
	fn, ok := metrics[name]
	if !ok {
		names := make([]string, 0, len(metrics))
		for n := range metrics {
			names = append(names, n)
		}
		sort.Strings(names)
		return Metric{}, fmt.Errorf("%w %q (choose from %s)", ErrUnknownMetric, name, strings.Join(names, ", "))
	}
	return Metric{Name: name, Fn: fn}, nil
}

// TaskOptions is the command-line description of one task.
type TaskOptions struct {
	Name           string
	Metrics        []string
	LossMultiplier *float64
}

// Task describes one fine-tuning objective over the shared texts.
type Task struct {
	Name    string
	BaseDir string
	Type    TaskType

	// LossMultiplier scales this task's loss in the combined objective.
	LossMultiplier float64
	Metrics        []Metric

	// Labels is the string label table for tasks that need translation,
	// indexed by class id.
	Labels []string
}

// NewTasks builds task descriptors rooted at dataDir. A lone task always
// gets a loss multiplier of 1.
func NewTasks(opts []TaskOptions, dataDir string) ([]*Task, error) {
	if len(opts) == 0 {
		return nil, errors.New("task: at least one task is required")
	}

	seen := make(map[string]bool, len(opts))
	tasks := make([]*Task, 0, len(opts))
	for _, o := range opts {
		if o.Name == "" {
			return nil, errors.New("task: empty task name")
		}
		if seen[o.Name] {
			return nil, fmt.Errorf("task: %q configured twice", o.Name)
		}
		seen[o.Name] = true

		task := &Task{
			Name:           o.Name,
			BaseDir:        dataDir,
			LossMultiplier: DefaultLossMultiplier,
		}
		if o.LossMultiplier != nil {
			task.LossMultiplier = *o.LossMultiplier
		}

		for _, name := range o.Metrics {
			m, err := LookupMetric(name)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", o.Name, err)
			}
			task.Metrics = append(task.Metrics, m)
		}

		tasks = append(tasks, task)
	}

	if len(tasks) == 1 {
		tasks[0].LossMultiplier = 1.0
	}

	return tasks, nil
}

// LabelPath returns the label file of the given split, e.g. train-sentiment.
func (t *Task) LabelPath(split string) string {
	return filepath.Join(t.BaseDir, split+"-"+t.Name)
}

// Detect sniffs the training labels and ORs the detected bits into t.Type.
func (t *Task) Detect() error {
	detected, err := DetectTaskType(t.LabelPath("train"))
	if err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	t.Type |= detected
	return nil
}

// Validate rejects task types that cannot be trained.
func (t *Task) Validate() error {
	switch {
	case t.Type.Has(Regression) && t.Type.Has(TokenLevel):
		return fmt.Errorf("%w: task %s is token-level regression", ErrUnsupportedTask, t.Name)
	case t.Type.Has(Regression):
		return fmt.Errorf("%w: task %s is regression", ErrUnsupportedTask, t.Name)
	case t.Type.Has(MultiLabel) && !t.Type.Has(Binary):
		return fmt.Errorf("%w: task %s is multi-label multiclass", ErrUnsupportedTask, t.Name)
	}
	return nil
}

func (t *Task) HeadKind() HeadKind {
	if t.Type.Has(Binary) {
		return BinaryHeadKind
	}
	return MulticlassHeadKind
}

func (t *Task) MetricNames() []string {
	names := make([]string, len(t.Metrics))
	for i, m := range t.Metrics {
		names[i] = m.Name
	}
	return names
}
