package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/emirpasic/gods/sets/treeset"
)

var (
	// ErrInconsistentLabels is returned for label files whose values do not
	// fit the detected task type.
	ErrInconsistentLabels = errors.New("data: inconsistent labels")

	// ErrSequenceMismatch is returned when texts and labels disagree in count.
	ErrSequenceMismatch = errors.New("data: sequence length mismatch")
)

// readLines returns every line of a text file without line terminators.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

// BuildLabelTable collects the distinct string labels of a label file in
// sorted order. The position of a label in the result is its class id.
func BuildLabelTable(path string) ([]string, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	set := treeset.NewWithStringComparator()
	for _, line := range lines {
		if line == "" {
			continue
		}
		for _, field := range splitFields(line) {
			set.Add(field)
		}
	}

	table := make([]string, 0, set.Size())
	for _, v := range set.Values() {
		table = append(table, v.(string))
	}
	return table, nil
}

// checkBinaryLabels scans a numeric label file detected as binary for
// values other than 0 and 1. Detection only sniffs the first SniffLines
// lines, so a third class further down is reported here, before any
// tensor is built.
func checkBinaryLabels(task *Task, path string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}

	for i, line := range lines {
		if line == "" {
			continue
		}
		for _, field := range splitFields(line) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil || v == 0 || v == 1 || v == IgnoreIndex {
				continue
			}
			if i >= SniffLines {
				return fmt.Errorf("%w: task %s was detected as binary from its first %d lines, but line %d of %s has label %q",
					ErrInconsistentLabels, task.Name, SniffLines, i+1, path, field)
			}
			return fmt.Errorf("%w: binary task %s label %q on line %d is not 0 or 1", ErrInconsistentLabels, task.Name, field, i+1)
		}
	}
	return nil
}

// labelParser turns one label field into a numeric value for a task.
type labelParser struct {
	task *Task
	ids  map[string]int
}

func newLabelParser(task *Task) labelParser {
	p := labelParser{task: task}
	if task.Type.Has(NeedsTranslation) {
		p.ids = make(map[string]int, len(task.Labels))
		for id, label := range task.Labels {
			p.ids[label] = id
		}
	}
	return p
}

func (p labelParser) parse(field string) (float64, error) {
	if p.ids != nil {
		id, ok := p.ids[field]
		if !ok {
			return 0, fmt.Errorf("%w: label %q not seen in training data of task %s", ErrInconsistentLabels, field, p.task.Name)
		}
		return float64(id), nil
	}

	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: task %s label %q is not numeric", ErrInconsistentLabels, p.task.Name, field)
	}
	if v == IgnoreIndex || p.task.Type.Has(Regression) {
		return v, nil
	}

	switch {
	case v != math.Trunc(v):
		return 0, fmt.Errorf("%w: task %s class label %q is not an integer", ErrInconsistentLabels, p.task.Name, field)
	case p.task.Type.Has(Binary) && v != 0 && v != 1:
		return 0, fmt.Errorf("%w: binary task %s label %q is not 0 or 1", ErrInconsistentLabels, p.task.Name, field)
	case v < 0:
		return 0, fmt.Errorf("%w: task %s class label %q is negative", ErrInconsistentLabels, p.task.Name, field)
	}
	return v, nil
}

// EncodeLabels converts label lines into the tensor layout of the task:
//
//   - sentence-level: (N) with one value per line
//   - multi-label: (N, C) where every line must carry C fields
//   - token-level: (N, seqLen) aligned with the encoded text, IgnoreIndex
//     at the [CLS] position and from the end of content onwards
func EncodeLabels(task *Task, lines []string, seqLen int) (*Tensor, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: task %s", ErrEmptyLabelFile, task.Name)
	}

	parser := newLabelParser(task)
	n := len(lines)

	switch {
	case task.Type.Has(TokenLevel):
		labels := NewTensorFill(IgnoreIndex, n, seqLen)
		for i, line := range lines {
			if line == "" {
				continue
			}
			fields := splitFields(line)
			if len(fields) > seqLen-2 {
				slog.Warn("truncating token labels", "task", task.Name, "line", i+1, "labels", len(fields), "max", seqLen-2)
				fields = fields[:seqLen-2]
			}
			for j, field := range fields {
				v, err := parser.parse(field)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", i+1, err)
				}
				labels.data[i*seqLen+1+j] = v
			}
		}
		return labels, nil

	case task.Type.Has(MultiLabel):
		columns := len(splitFields(lines[0]))
		labels := NewTensor(n, columns)
		for i, line := range lines {
			fields := splitFields(line)
			if len(fields) != columns {
				return nil, fmt.Errorf("%w: task %s line %d has %d fields, expected %d", ErrInconsistentLabels, task.Name, i+1, len(fields), columns)
			}
			for j, field := range fields {
				v, err := parser.parse(field)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", i+1, err)
				}
				labels.data[i*columns+j] = v
			}
		}
		return labels, nil

	default:
		labels := NewTensor(n)
		for i, line := range lines {
			fields := splitFields(line)
			if len(fields) != 1 {
				return nil, fmt.Errorf("%w: task %s line %d has %d fields, expected 1", ErrInconsistentLabels, task.Name, i+1, len(fields))
			}
			v, err := parser.parse(fields[0])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			labels.data[i] = v
		}
		return labels, nil
	}
}
