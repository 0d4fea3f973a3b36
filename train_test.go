package main

import (
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestCheckpointerStrictlyGreater(t *testing.T) {
	var saved []int
	c := NewCheckpointer(func(epoch int, score float64) error {
		saved = append(saved, epoch)
		return nil
	})
	assert.True(t, math.IsInf(c.Best(), -1))

	for epoch, score := range []float64{math.Inf(-1), 0.5, 0.5, 0.4, math.NaN(), 0.7} {
		_, err := c.Observe(epoch, score)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 5}, saved)
	assert.Equal(t, 0.7, c.Best())
}

func TestCheckpointerSaveError(t *testing.T) {
	errDisk := errors.New("disk full")
	c := NewCheckpointer(func(int, float64) error { return errDisk })

	saved, err := c.Observe(1, 0.9)
	assert.ErrorIs(t, err, errDisk)
	assert.False(t, saved)
	assert.True(t, math.IsInf(c.Best(), -1))
}

func TestAdamOptimizer(t *testing.T) {
	p := vector(1, -2)
	opt := NewAdamOptimizer([]*Tensor{p}, 0.9, 0.999, 1e-8)

	// The first bias-corrected step moves each weight by lr against the
	// sign of its gradient
	copy(p.grad, []float64{0.3, -5})
	opt.Step([]*Tensor{p}, 0.1)
	assert.InDelta(t, 0.9, p.data[0], 1e-6)
	assert.InDelta(t, -1.9, p.data[1], 1e-6)

	opt.ZeroGrad([]*Tensor{p})
	assert.Equal(t, []float64{0, 0}, p.grad)

	assert.Panics(t, func() { opt.Step([]*Tensor{p, p}, 0.1) })
}

func TestClipGradNorm(t *testing.T) {
	a, b := vector(0, 0), vector(0)
	copy(a.grad, []float64{3, 4})
	b.grad[0] = 0.5

	clipGradNorm([]*Tensor{a, b}, 1)
	assert.InDelta(t, 1, floats.Norm(a.grad, 2), 1e-12)
	assert.InDeltaSlice(t, []float64{0.6, 0.8}, a.grad, 1e-12)
	assert.Equal(t, []float64{0.5}, b.grad)
}

func TestSummary(t *testing.T) {
	rts := []*TaskRuntime{
		{Task: &Task{Name: "spam", Metrics: []Metric{{Name: "accuracy", Fn: Accuracy}}}},
		{Task: &Task{Name: "ner"}},
	}

	var buf bytes.Buffer
	s := NewSummary(&buf, rts)
	s.Add(EpochResult{Epoch: 1, Split: "val", Tasks: []TaskResult{
		{Task: "spam", Loss: 0.25, Metrics: map[string]float64{"accuracy": 0.5}},
		{Task: "ner", Loss: math.Inf(-1), Metrics: map[string]float64{}},
	}})
	require.NoError(t, s.Render())

	out := buf.String()
	assert.Contains(t, out, "ACCURACY")
	assert.Contains(t, out, "0.2500")
	assert.Contains(t, out, "-Inf")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "-"))

	// Rows are printed once
	buf.Reset()
	require.NoError(t, s.Render())
	assert.Empty(t, buf.String())
}

const tinyConfigJSON = `{
  "vocab_size": 6,
  "hidden_size": 4,
  "num_hidden_layers": 1,
  "num_attention_heads": 2,
  "intermediate_size": 8,
  "max_position_embeddings": 8,
  "type_vocab_size": 2,
  "hidden_dropout_prob": 0.1,
  "attention_probs_dropout_prob": 0.1
}`

func trainFixture(t *testing.T) (modelDir, dataDir string) {
	t.Helper()
	modelDir = writeModelDir(t, helloVocab, true)
	writeTestFile(t, modelDir, "config.json", tinyConfigJSON)

	dataDir = writeDataDir(t, map[string]string{
		"train-texts": "hello\nhelloworld\nhello hello\nworld\nhello world\n",
		"train-spam":  "0\n1\n0\n1\n0\n",
		"train-ner":   "O\nB\nO,O\nB\nO,B\n",
		"val-texts":   "hello\nhelloworld\n",
		"val-spam":    "0\n1\n",
		"val-ner":     "O\nB\n",
	})
	return modelDir, dataDir
}

func TestTrain(t *testing.T) {
	modelDir, dataDir := trainFixture(t)
	save := filepath.Join(t.TempDir(), "ckpt", "run")

	var out bytes.Buffer
	opts := DefaultTrainOptions()
	opts.ModelDir = modelDir
	opts.DataDir = dataDir
	opts.Tasks = []TaskOptions{
		{Name: "spam", Metrics: []string{"accuracy", "f1"}},
		{Name: "ner", Metrics: []string{"accuracy"}},
	}
	opts.BatchSize = 2
	opts.Epochs = 2
	opts.NumWorkers = 1
	opts.LearningRate = 1e-3
	opts.MaxSeqLength = 6
	opts.SavePath = save
	opts.Out = &out

	require.NoError(t, Train(context.Background(), opts))

	assert.Contains(t, out.String(), "ACCURACY")
	assert.Contains(t, out.String(), "F1")
	assert.Equal(t, 4, strings.Count(out.String(), "spam"))

	for _, suffix := range []string{"-bert.bin", "-bert.config", "-spam-binary.bin", "-ner-binary.config", ".vocab", ".lowercase"} {
		assert.FileExists(t, save+suffix)
	}

	model, err := LoadCheckpoint(save, "", true)
	require.NoError(t, err)
	assert.Len(t, model.Tasks, 2)
	assert.Equal(t, []string{"B", "O"}, model.Tasks[0].Labels)
}

func TestTrainDeterministic(t *testing.T) {
	modelDir, dataDir := trainFixture(t)

	run := func(workers int) string {
		var out bytes.Buffer
		opts := DefaultTrainOptions()
		opts.ModelDir = modelDir
		opts.DataDir = dataDir
		opts.Tasks = []TaskOptions{{Name: "spam"}}
		opts.BatchSize = 2
		opts.Epochs = 1
		opts.NumWorkers = workers
		opts.MaxSeqLength = 6
		opts.Out = &out
		require.NoError(t, Train(context.Background(), opts))
		return out.String()
	}

	assert.Equal(t, run(0), run(2))
}

func TestTrainErrors(t *testing.T) {
	modelDir, dataDir := trainFixture(t)

	base := DefaultTrainOptions()
	base.ModelDir = modelDir
	base.DataDir = dataDir
	base.Tasks = []TaskOptions{{Name: "spam"}}
	base.MaxSeqLength = 6

	opts := base
	opts.MaxSeqLength = 9
	assert.ErrorContains(t, Train(context.Background(), opts), "position embeddings")

	opts = base
	opts.Tasks = []TaskOptions{{Name: "missing"}}
	assert.Error(t, Train(context.Background(), opts))

	opts = base
	opts.Epochs = 0
	assert.Error(t, Train(context.Background(), opts))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Train(ctx, base), context.Canceled)
}
