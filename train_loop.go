package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/stat"
)

// TaskResult is the epoch outcome of one task.
type TaskResult struct {
	Task    string
	Loss    float64
	Metrics map[string]float64

	// Labels and predictions of the pass, in iteration order
	labels      *Tensor
	predictions *Tensor
}

// EpochResult collects the task results of one pass over a split.
type EpochResult struct {
	Epoch int
	Split string
	Tasks []TaskResult
}

// Trainer drives epochs over the training and validation loaders.
type Trainer struct {
	encoder   *Encoder
	tasks     []*TaskRuntime
	params    []*Tensor
	optimizer Optimizer
	lr        float64
	rng       *rand.Rand

	trainLoader  *DataLoader
	valLoader    *DataLoader
	summary      *Summary
	checkpointer *Checkpointer
}

func NewTrainer(encoder *Encoder, tasks []*TaskRuntime, lr float64, rng *rand.Rand) *Trainer {
	params := encoder.Parameters()
	for _, rt := range tasks {
		params = append(params, tensorsOf(rt.Head.NamedParameters())...)
	}

	return &Trainer{
		encoder:   encoder,
		tasks:     tasks,
		params:    params,
		optimizer: NewAdamOptimizer(params, 0.9, 0.999, 1e-8),
		lr:        lr,
		rng:       rng,
	}
}

// Run trains for the given number of epochs, validating after each one.
func (t *Trainer) Run(ctx context.Context, epochs int) error {
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()

		result, err := t.innerLoop(ctx, t.trainLoader, true, t.step)
		if err != nil {
			return fmt.Errorf("epoch %d train: %w", epoch, err)
		}
		result.Epoch = epoch
		t.summary.Add(result)

		result, err = t.innerLoop(ctx, t.valLoader, false, func(*pendingBatch) {})
		if err != nil {
			return fmt.Errorf("epoch %d val: %w", epoch, err)
		}
		result.Epoch = epoch
		t.summary.Add(result)

		if err := t.summary.Render(); err != nil {
			return err
		}

		score := t.score(result)
		slog.Info("epoch done", "epoch", epoch, "score", score, "elapsed", time.Since(start).Round(time.Millisecond))

		if t.checkpointer != nil {
			if _, err := t.checkpointer.Observe(epoch, score); err != nil {
				return fmt.Errorf("epoch %d checkpoint: %w", epoch, err)
			}
		}
	}
	return nil
}

// pendingBatch carries one batch's forward state to the step callback.
type pendingBatch struct {
	caches     []*EncoderCache
	headCaches []*HeadCache
	gradLogits []*Tensor
}

// innerLoop makes one pass over loader. Labels and predictions of every
// batch land in per-task accumulators at [Offset, Offset+Size) and are
// scored once the pass is over. step runs after the forward pass of each
// batch; in evaluation it does nothing.
func (t *Trainer) innerLoop(ctx context.Context, loader *DataLoader, train bool, step func(*pendingBatch)) (EpochResult, error) {
	labels := make([]*Tensor, len(t.tasks))
	predictions := make([]*Tensor, len(t.tasks))
	losses := make([][]float64, len(t.tasks))
	for i := range t.tasks {
		labels[i] = NewTensor(loader.ds.Labels[i].shape...)
		predictions[i] = NewTensor(loader.ds.Labels[i].shape...)
	}

	var rng *rand.Rand
	if train {
		rng = t.rng
	}

	err := loader.Each(ctx, func(b Batch) error {
		hidden, caches := t.encoder.ForwardBatch(b.Inputs, train, rng)

		pending := &pendingBatch{
			caches:     caches,
			headCaches: make([]*HeadCache, len(t.tasks)),
			gradLogits: make([]*Tensor, len(t.tasks)),
		}

		for i, rt := range t.tasks {
			logits, cache := rt.Head.Forward(hidden, train, rng)
			loss, grad := rt.Loss(logits, b.Labels[i])
			if !math.IsInf(loss, -1) {
				losses[i] = append(losses[i], loss)
			}

			pending.headCaches[i] = cache
			pending.gradLogits[i] = Scale(grad, rt.LossMultiplier)

			copy(labels[i].Rows(b.Offset, b.Offset+b.Size()).data, b.Labels[i].data)
			copy(predictions[i].Rows(b.Offset, b.Offset+b.Size()).data, rt.Predict(logits).data)
		}

		step(pending)
		Trace("batch", "index", b.Index, "size", b.Size(), "train", train)
		return nil
	})
	if err != nil {
		return EpochResult{}, err
	}

	split := loader.ds.Split
	result := EpochResult{Split: split, Tasks: make([]TaskResult, len(t.tasks))}
	for i, rt := range t.tasks {
		tr := TaskResult{
			Task:        rt.Name,
			Loss:        math.Inf(-1),
			Metrics:     make(map[string]float64, len(rt.Metrics)),
			labels:      labels[i],
			predictions: predictions[i],
		}
		if len(losses[i]) > 0 {
			tr.Loss = stat.Mean(losses[i], nil)
		}
		for _, m := range rt.Metrics {
			tr.Metrics[m.Name] = m.Fn(labels[i], predictions[i])
		}
		result.Tasks[i] = tr
	}
	return result, nil
}

// step back-propagates the combined loss of one batch and updates every
// parameter.
func (t *Trainer) step(p *pendingBatch) {
	t.optimizer.ZeroGrad(t.params)

	gradHidden := make([]*Tensor, len(p.caches))
	for i, rt := range t.tasks {
		for j, g := range rt.Head.Backward(p.gradLogits[i], p.headCaches[i]) {
			if gradHidden[j] == nil {
				gradHidden[j] = g
				continue
			}
			AddInPlace(gradHidden[j], g)
		}
	}

	for j, cache := range p.caches {
		t.encoder.Backward(gradHidden[j], cache)
	}

	clipGradNorm(t.params, MaxGradientNorm)
	t.optimizer.Step(t.params, t.lr)
}

// score is the checkpoint criterion: the first metric of the first task,
// or its negated mean loss when it has no metric.
func (t *Trainer) score(result EpochResult) float64 {
	primary := t.tasks[0]
	if len(primary.Metrics) > 0 {
		return result.Tasks[0].Metrics[primary.Metrics[0].Name]
	}
	if loss := result.Tasks[0].Loss; !math.IsInf(loss, -1) {
		return -loss
	}
	return math.Inf(-1)
}

// Checkpointer saves whenever a score strictly exceeds the best seen so
// far. Ties and regressions never overwrite a saved checkpoint.
type Checkpointer struct {
	best float64
	save func(epoch int, score float64) error
}

func NewCheckpointer(save func(epoch int, score float64) error) *Checkpointer {
	return &Checkpointer{best: math.Inf(-1), save: save}
}

func (c *Checkpointer) Best() float64 {
	return c.best
}

// Observe reports whether score triggered a save.
func (c *Checkpointer) Observe(epoch int, score float64) (bool, error) {
	if !(score > c.best) {
		slog.Debug("checkpoint skipped", "epoch", epoch, "score", score, "best", c.best)
		return false, nil
	}

	if err := c.save(epoch, score); err != nil {
		return false, err
	}

	slog.Info("checkpoint saved", "epoch", epoch, "score", score, "previous", c.best)
	c.best = score
	return true, nil
}
