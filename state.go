package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PretrainedExt marks exported pretrained parameters. Each file is named
// <parameter>-<d1>_<d2>….dat and holds raw little-endian float32 values.
const PretrainedExt = ".dat"

// LoadPretrained copies exported parameters from modelDir into the
// encoder. Files naming parameters the encoder does not have are skipped
// with a warning. Without any export the encoder keeps its random init.
func LoadPretrained(e *Encoder, modelDir string) error {
	files, err := filepath.Glob(filepath.Join(modelDir, "*"+PretrainedExt))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		slog.Warn("no pretrained weights, encoder starts from random init", "dir", modelDir)
		return nil
	}

	params := make(map[string]*Tensor)
	for _, p := range e.NamedParameters() {
		params[p.Name] = p.Tensor
	}

	loaded := 0
	for _, path := range files {
		name, shape, err := parsePretrainedName(filepath.Base(path))
		if err != nil {
			return err
		}

		t, ok := params[name]
		if !ok {
			slog.Warn("parameter not in model", "name", name, "file", path)
			continue
		}

		size := 1
		for _, d := range shape {
			size *= d
		}
		if size != t.Size() {
			return fmt.Errorf("%w: %s has %d values, %s has %d", ErrShapeMismatch, path, size, name, t.Size())
		}

		if err := readFloat32s(path, t.data); err != nil {
			return err
		}
		Trace("loaded parameter", "name", name, "shape", shape)
		loaded++
	}

	slog.Info("loaded pretrained weights", "dir", modelDir, "parameters", loaded, "total", len(params))
	return nil
}

// parsePretrainedName splits "encoder.layer.0.output.dense.bias-768.dat"
// into the parameter name and its shape.
func parsePretrainedName(base string) (string, []int, error) {
	stem := strings.TrimSuffix(base, PretrainedExt)
	i := strings.LastIndexByte(stem, '-')
	if i <= 0 {
		return "", nil, fmt.Errorf("%w: pretrained file %s has no shape suffix", ErrInvalidShape, base)
	}

	var shape []int
	for _, s := range strings.Split(stem[i+1:], "_") {
		d, err := strconv.Atoi(s)
		if err != nil || d <= 0 {
			return "", nil, fmt.Errorf("%w: pretrained file %s has invalid dimension %q", ErrInvalidShape, base, s)
		}
		shape = append(shape, d)
	}
	return stem[:i], shape, nil
}

func readFloat32s(path string, dst []float64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != int64(4*len(dst)) {
		return fmt.Errorf("%w: %s is %d bytes, expected %d", ErrShapeMismatch, path, info.Size(), 4*len(dst))
	}

	values := make([]float32, len(dst))
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, values); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	for i, v := range values {
		dst[i] = float64(v)
	}
	return nil
}
