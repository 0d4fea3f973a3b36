package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Multi-task fine-tuning: one shared encoder, one head per task, one
// combined objective
//
//   L = Σ_task multiplier_task · loss_task
//
// THE TRAINING PROCESS:
//
// 1. Setup (fails fast, before any epoch runs):
//    - Load the tokenizer from the model directory
//    - Detect each task's type from its training labels
//    - Encode train and validation splits
//    - Derive class weights from the training labels
//    - Build the encoder (pretrained weights if present) and the heads
//
// 2. Per batch (train_loop.go):
//    - One encoder forward pass shared by every head
//    - Per task: head forward, loss, predictions
//    - Train only: zero grads, backward, clip, Adam step
//
// 3. Per epoch:
//    - Mean loss and metrics per task, printed as a table
//    - Checkpoint when the primary score strictly improves
//
// ===========================================================================

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
)

// TrainOptions holds everything a training run is configured with.
type TrainOptions struct {
	ModelDir string
	DataDir  string
	Tasks    []TaskOptions

	BatchSize    int
	Epochs       int
	NumWorkers   int
	LearningRate float64
	Seed         int64

	// SavePath is the checkpoint base path. Empty disables saving.
	SavePath string

	MaxSeqLength  int
	Lowercase     *bool
	KeepSeparator bool

	// Out receives the epoch summaries.
	Out io.Writer
}

// DefaultTrainOptions returns the command-line defaults.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		BatchSize:     32,
		Epochs:        4,
		LearningRate:  DefaultLearningRate,
		Seed:          DefaultSeed,
		MaxSeqLength:  MaxSequenceLength,
		KeepSeparator: true,
	}
}

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	// Step performs a single optimization step.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// AdamOptimizer implements Adam optimization algorithm.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)  // Bias correction
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1   float64
	beta2   float64
	epsilon float64

	// State (one per parameter)
	m [][]float64 // First moment (momentum)
	v [][]float64 // Second moment (variance)
	t int         // Time step (for bias correction)
}

// NewAdamOptimizer creates an Adam optimizer for params.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon float64) *AdamOptimizer {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, len(p.data))
		v[i] = make([]float64, len(p.data))
	}

	return &AdamOptimizer{
		beta1:   beta1,
		beta2:   beta2,
		epsilon: epsilon,
		m:       m,
		v:       v,
	}
}

// Step performs Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	if len(params) != len(opt.m) {
		panic(fmt.Sprintf("adam: %d parameters, optimizer built for %d", len(params), len(opt.m)))
	}

	opt.t++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		m, v := opt.m[i], opt.v[i]
		for j, grad := range p.grad {
			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*grad*grad

			mHat := m[j] / bias1
			vHat := v[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// clipGradNorm rescales the gradient of every parameter independently so
// that its L2 norm is at most maxNorm.
func clipGradNorm(params []*Tensor, maxNorm float64) {
	for _, p := range params {
		if norm := floats.Norm(p.grad, 2); norm > maxNorm {
			floats.Scale(maxNorm/norm, p.grad)
		}
	}
}

// Train runs a complete fine-tuning session.
func Train(ctx context.Context, opts TrainOptions) error {
	if opts.BatchSize <= 0 || opts.Epochs <= 0 {
		return fmt.Errorf("batch size and epochs must be positive, got %d and %d", opts.BatchSize, opts.Epochs)
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	runID := uuid.NewString()
	slog.Info("starting training", "run", runID, "model", opts.ModelDir, "data", opts.DataDir, "seed", opts.Seed)

	tokenizer, err := LoadFullTokenizer(opts.ModelDir, TokenizerOptions{
		Lowercase:     opts.Lowercase,
		KeepSeparator: opts.KeepSeparator,
	})
	if err != nil {
		return err
	}

	tasks, err := NewTasks(opts.Tasks, opts.DataDir)
	if err != nil {
		return err
	}
	if err := PrepareTasks(tasks); err != nil {
		return err
	}

	texts, err := NewTextEncoder(tokenizer, opts.MaxSeqLength)
	if err != nil {
		return err
	}
	trainSet, err := LoadDataset(texts, opts.DataDir, "train", tasks)
	if err != nil {
		return err
	}
	valSet, err := LoadDataset(texts, opts.DataDir, "val", tasks)
	if err != nil {
		return err
	}

	config, err := LoadBERTConfig(opts.ModelDir, tokenizer.Vocabulary().Len())
	if err != nil {
		return err
	}
	if config.MaxPositionEmbeddings < opts.MaxSeqLength {
		return fmt.Errorf("sequence length %d exceeds %d position embeddings", opts.MaxSeqLength, config.MaxPositionEmbeddings)
	}

	encoder := NewEncoder(config, rng)
	if err := LoadPretrained(encoder, opts.ModelDir); err != nil {
		return err
	}

	runtimes := make([]*TaskRuntime, len(tasks))
	for i, task := range tasks {
		weights, err := ClassWeights(task, trainSet.Labels[i])
		if err != nil {
			return err
		}
		slog.Debug("class weights", "task", task.Name, "weights", weights)

		rt, err := NewTaskRuntime(task, weights, config, rng)
		if err != nil {
			return err
		}
		if err := rt.CheckLabels(valSet.Labels[i]); err != nil {
			return fmt.Errorf("%s: %w", task.LabelPath("val"), err)
		}
		runtimes[i] = rt
	}

	trainer := NewTrainer(encoder, runtimes, opts.LearningRate, rng)
	trainer.trainLoader = NewDataLoader(trainSet, LoaderOptions{BatchSize: opts.BatchSize, Shuffle: true, NumWorkers: opts.NumWorkers}, rng)
	trainer.valLoader = NewDataLoader(valSet, LoaderOptions{BatchSize: opts.BatchSize, NumWorkers: opts.NumWorkers}, rng)
	trainer.summary = NewSummary(opts.Out, runtimes)

	if opts.SavePath != "" {
		ckpt := &Checkpoint{
			Path:      opts.SavePath,
			RunID:     runID,
			Encoder:   encoder,
			Tasks:     runtimes,
			Tokenizer: tokenizer,
		}
		trainer.checkpointer = NewCheckpointer(ckpt.Save)
	}

	return trainer.Run(ctx, opts.Epochs)
}
