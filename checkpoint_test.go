package main

import (
	"bufio"
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCheckpoint builds a small model with a binary sentence head and a
// translated token-level head.
func testCheckpoint(t *testing.T, path string, lowercase bool) *Checkpoint {
	t.Helper()
	rng := rand.New(rand.NewSource(11))

	tokenizer := NewFullTokenizer(testVocabulary(t, helloVocab...), lowercase, true)
	config := tinyConfig()

	spam, err := NewTaskRuntime(&Task{Name: "spam", Type: Binary}, []float64{1.5}, config, rng)
	require.NoError(t, err)
	ner, err := NewTaskRuntime(&Task{Name: "ner-tags", Type: TokenLevel | NeedsTranslation, Labels: []string{"B", "I", "O"}}, []float64{1, 1, 1}, config, rng)
	require.NoError(t, err)

	return &Checkpoint{
		Path:      path,
		RunID:     "run-1",
		Encoder:   NewEncoder(config, rng),
		Tasks:     []*TaskRuntime{spam, ner},
		Tokenizer: tokenizer,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "model")
	ckpt := testCheckpoint(t, path, true)
	require.NoError(t, ckpt.Save(3, 0.75))

	for _, name := range []string{
		"model-bert.bin", "model-bert.config",
		"model-spam-binary.bin", "model-spam-binary.config",
		"model-ner-tags-multiclass.bin", "model-ner-tags-multiclass.config",
		"model.vocab", "model.lowercase",
	} {
		assert.FileExists(t, filepath.Join(filepath.Dir(path), name))
	}

	model, err := LoadCheckpoint(path, "", true)
	require.NoError(t, err)
	assert.Equal(t, "run-1", model.Sidecar.RunID)
	assert.Equal(t, 3, model.Sidecar.Epoch)
	assert.Equal(t, 0.75, model.Sidecar.Score)
	assert.Equal(t, tinyConfig(), model.Sidecar.Config)
	assert.True(t, model.Tokenizer.Lowercase())

	want := ckpt.Encoder.NamedParameters()
	got := model.Encoder.NamedParameters()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.True(t, tensorsEqual(want[i].Tensor, got[i].Tensor, 0), want[i].Name)
	}

	// Heads come back sorted by task name
	require.Len(t, model.Tasks, 2)
	assert.Equal(t, "ner-tags", model.Tasks[0].Name)
	assert.Equal(t, []string{"B", "I", "O"}, model.Tasks[0].Labels)
	assert.Equal(t, ckpt.Tasks[1].Head.Options(), model.Tasks[0].Head.Options())
	assert.Equal(t, "spam", model.Tasks[1].Name)

	ids := []int{2, 4, 5, 3, 0, 0}
	for i, rt := range []*TaskRuntime{ckpt.Tasks[1], ckpt.Tasks[0]} {
		want, _ := rt.Head.Forward([]*Tensor{ckpt.Encoder.Forward(ids)}, false, nil)
		got, _ := model.Tasks[i].Head.Forward([]*Tensor{model.Encoder.Forward(ids)}, false, nil)
		assert.True(t, tensorsEqual(want, got, 1e-12), rt.Name)
	}

	filtered, err := LoadCheckpoint(path, "spam", true)
	require.NoError(t, err)
	require.Len(t, filtered.Tasks, 1)
	assert.Equal(t, "spam", filtered.Tasks[0].Name)

	_, err = LoadCheckpoint(path, "sentiment", true)
	assert.Error(t, err)
}

func TestCheckpointLowercaseMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model")

	require.NoError(t, testCheckpoint(t, path, true).Save(1, 0.5))
	assert.FileExists(t, path+".lowercase")

	// Saving a cased tokenizer over the same path removes the marker
	require.NoError(t, testCheckpoint(t, path, false).Save(2, 0.6))
	assert.NoFileExists(t, path+".lowercase")

	model, err := LoadCheckpoint(path, "", true)
	require.NoError(t, err)
	assert.False(t, model.Tokenizer.Lowercase())
}

func TestCheckpointFailedSaveKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model")
	ckpt := testCheckpoint(t, path, true)
	require.NoError(t, ckpt.Save(1, 0.5))

	// A directory in place of the spam blob cannot be replaced by a rename
	spam := path + "-spam-binary.bin"
	require.NoError(t, os.Remove(spam))
	writeTestFile(t, spam, "keep", "x")

	ckpt.Encoder.NamedParameters()[0].Tensor.data[0] += 1
	assert.Error(t, ckpt.Save(2, 0.9))

	var sidecar EncoderSidecar
	require.NoError(t, readSidecar(path+"-bert.config", &sidecar))
	assert.Equal(t, 1, sidecar.Epoch)
	assert.Equal(t, 0.5, sidecar.Score)

	model, err := LoadCheckpoint(path, "ner", true)
	require.NoError(t, err)
	assert.Equal(t, 1, model.Sidecar.Epoch)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover %s", e.Name())
	}
}

func TestLoadCheckpointRejectsMixedSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model")
	ckpt := testCheckpoint(t, path, true)
	require.NoError(t, ckpt.Save(1, 0.5))

	base := path + "-spam-binary"
	oldBlob, err := os.ReadFile(base + ".bin")
	require.NoError(t, err)
	oldSidecar, err := os.ReadFile(base + ".config")
	require.NoError(t, err)

	require.NoError(t, ckpt.Save(2, 0.6))
	_, err = LoadCheckpoint(path, "", true)
	require.NoError(t, err)

	// An epoch 1 head next to an epoch 2 encoder
	require.NoError(t, os.WriteFile(base+".bin", oldBlob, 0o644))
	require.NoError(t, os.WriteFile(base+".config", oldSidecar, 0o644))

	_, err = LoadCheckpoint(path, "", true)
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)
	assert.Contains(t, err.Error(), "epoch 1")

	_, err = LoadCheckpoint(path, "ner", true)
	assert.NoError(t, err)
}

func TestLoadCheckpointRejectsTamperedBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model")
	require.NoError(t, testCheckpoint(t, path, true).Save(1, 0.5))

	blob := path + "-ner-tags-multiclass.bin"
	bts, err := os.ReadFile(blob)
	require.NoError(t, err)
	bts[len(bts)-1] ^= 0xff
	require.NoError(t, os.WriteFile(blob, bts, 0o644))

	_, err = LoadCheckpoint(path, "ner", true)
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)

	_, err = LoadCheckpoint(path, "spam", true)
	assert.NoError(t, err)
}

func TestReadParametersErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.bin")

	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := vector(7, 8)
	require.NoError(t, WriteParameters(path, []NamedTensor{{"a", a}, {"b", b}}))

	dst := []NamedTensor{{"a", NewTensor(2, 3)}, {"b", NewTensor(2)}}
	require.NoError(t, ReadParameters(path, dst))
	assert.Equal(t, a.Data(), dst[0].Tensor.Data())
	assert.Equal(t, b.Data(), dst[1].Tensor.Data())

	err := ReadParameters(path, []NamedTensor{{"a", NewTensor(3, 2)}, {"b", NewTensor(2)}})
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)

	err = ReadParameters(path, []NamedTensor{{"a", NewTensor(2, 3)}})
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)

	err = ReadParameters(path, []NamedTensor{{"a", NewTensor(2, 3)}, {"b", NewTensor(2)}, {"c", NewTensor(1)}})
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)
	assert.Contains(t, err.Error(), "missing c")

	bts, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated.bin")
	require.NoError(t, os.WriteFile(truncated, bts[:len(bts)-4], 0o644))
	err = ReadParameters(truncated, []NamedTensor{{"a", NewTensor(2, 3)}, {"b", NewTensor(2)}})
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	require.NoError(t, writeFileAtomic(path, func(w *bufio.Writer) error {
		_, err := w.WriteString("first")
		return err
	}))

	err := writeFileAtomic(path, func(w *bufio.Writer) error {
		w.WriteString("partial")
		return os.ErrInvalid
	})
	assert.ErrorIs(t, err, os.ErrInvalid)

	bts, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(bts))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPredictOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model")
	require.NoError(t, testCheckpoint(t, path, true).Save(1, 0.5))

	model, err := LoadCheckpoint(path, "", true)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Predict(&buf, model, []string{"hello helloworld", "", "hello"}, 6, 2))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)

	for i, line := range lines {
		fields := strings.Split(line, "\t")
		require.Len(t, fields, 3, line)

		switch i % 2 {
		case 0:
			assert.Equal(t, "ner-tags", fields[0])
		case 1:
			assert.Equal(t, "spam", fields[0])
			assert.Contains(t, []string{"0", "1"}, fields[1])
			assert.NotContains(t, fields[2], ",")
		}
	}

	// One translated label and one group of three logits per content token
	ner := strings.Split(lines[0], "\t")
	preds := strings.Split(ner[1], ",")
	assert.Len(t, preds, 3)
	for _, p := range preds {
		assert.Contains(t, []string{"B", "I", "O"}, p)
	}
	groups := strings.Split(ner[2], ",")
	require.Len(t, groups, 3)
	assert.Len(t, strings.Fields(groups[0]), 3)

	empty := strings.Split(lines[2], "\t")
	assert.Equal(t, []string{"ner-tags", "", ""}, empty)
}
