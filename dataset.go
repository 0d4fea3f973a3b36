package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// TextsFile is the shared input file of a split, e.g. train-texts. It sits
// next to the <split>-<task> label files.
const TextsFile = "%s-texts"

// Dataset is one encoded split: the padded input ids shared by all tasks
// and one label tensor per task, both indexed by example along the leading
// dimension.
type Dataset struct {
	Split  string
	Inputs [][]int
	Labels []*Tensor
}

func (d *Dataset) Len() int {
	return len(d.Inputs)
}

// TextEncoder turns text lines into fixed-length id sequences laid out as
// [CLS] content… [SEP] [PAD]….
type TextEncoder struct {
	tokenizer *FullTokenizer
	seqLen    int
	cls, sep  int
}

func NewTextEncoder(tokenizer *FullTokenizer, seqLen int) (*TextEncoder, error) {
	if seqLen < 3 {
		return nil, fmt.Errorf("data: sequence length %d leaves no room for content", seqLen)
	}

	cls, err := tokenizer.TokenToID(ClassifyToken)
	if err != nil {
		return nil, err
	}
	sep, err := tokenizer.TokenToID(SeparatorToken)
	if err != nil {
		return nil, err
	}

	return &TextEncoder{tokenizer: tokenizer, seqLen: seqLen, cls: cls, sep: sep}, nil
}

func (e *TextEncoder) SeqLen() int {
	return e.seqLen
}

// Encode returns the ids of one line and the number of content tokens kept.
// Content beyond seqLen-2 tokens is dropped with a warning.
func (e *TextEncoder) Encode(text string) ([]int, int, error) {
	ids, err := e.tokenizer.TokenizeToIDs(text)
	if err != nil {
		return nil, 0, err
	}

	limit := e.seqLen - 2
	if len(ids) > limit {
		slog.Warn("truncating sequence", "tokens", len(ids), "max", limit)
		ids = ids[:limit]
	}

	out := make([]int, e.seqLen)
	out[0] = e.cls
	copy(out[1:], ids)
	out[1+len(ids)] = e.sep
	for i := 2 + len(ids); i < len(out); i++ {
		out[i] = PaddingIndex
	}
	return out, len(ids), nil
}

// EncodeLines encodes every line of a text file.
func (e *TextEncoder) EncodeLines(lines []string) ([][]int, error) {
	inputs := make([][]int, len(lines))
	for i, line := range lines {
		ids, _, err := e.Encode(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		inputs[i] = ids
	}
	return inputs, nil
}

// EncodeFile reads and encodes a text file.
func (e *TextEncoder) EncodeFile(path string) ([][]int, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	inputs, err := e.EncodeLines(lines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inputs, nil
}

// LoadDataset encodes <dataDir>/<split>-texts together with the <split>-<task>
// label file of every task.
func LoadDataset(encoder *TextEncoder, dataDir, split string, tasks []*Task) (*Dataset, error) {
	textPath := filepath.Join(dataDir, fmt.Sprintf(TextsFile, split))
	inputs, err := encoder.EncodeFile(textPath)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("data: %s has no examples", textPath)
	}

	ds := &Dataset{
		Split:  split,
		Inputs: inputs,
		Labels: make([]*Tensor, len(tasks)),
	}

	for i, task := range tasks {
		path := task.LabelPath(split)
		lines, err := readLines(path)
		if err != nil {
			return nil, err
		}
		if len(lines) != len(inputs) {
			return nil, fmt.Errorf("%w: %s has %d texts but %s has %d labels", ErrSequenceMismatch, textPath, len(inputs), path, len(lines))
		}

		labels, err := EncodeLabels(task, lines, encoder.SeqLen())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		ds.Labels[i] = labels
	}

	slog.Debug("loaded dataset", "split", split, "examples", len(inputs), "tasks", len(tasks))
	return ds, nil
}

// PrepareTasks detects the type of every task from its training labels,
// builds string label tables and rejects unsupported combinations. It runs
// once before any data is encoded.
func PrepareTasks(tasks []*Task) error {
	for _, task := range tasks {
		if err := task.Detect(); err != nil {
			return err
		}

		if task.Type.Has(NeedsTranslation) {
			table, err := BuildLabelTable(task.LabelPath("train"))
			if err != nil {
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			task.Labels = table

			// The sniff window may not have seen every label
			if len(table) == 2 {
				task.Type |= Binary
			} else {
				task.Type &^= Binary
			}
		} else if task.Type.Has(Binary) {
			if err := checkBinaryLabels(task, task.LabelPath("train")); err != nil {
				return err
			}
		}

		if err := task.Validate(); err != nil {
			return err
		}
		slog.Info("task", "name", task.Name, "type", task.Type, "head", task.HeadKind(), "multiplier", task.LossMultiplier)
	}
	return nil
}
