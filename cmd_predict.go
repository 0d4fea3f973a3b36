package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func NewPredictCommand(env EnvConfig) *cobra.Command {
	var batchSize, seqLen int
	keepSeparator := env.KeepSeparator

	cmd := &cobra.Command{
		Use:   "predict MODEL FILE [TASK]",
		Short: "Run saved task heads over the lines of a text file",
		Long: `Run saved task heads over the lines of a text file.

MODEL is the checkpoint base path given to "train --save". Only heads whose
task name contains TASK are loaded. Every input line produces one output
line per head:

  task<TAB>prediction<TAB>logits`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter string
			if len(args) == 3 {
				filter = args[2]
			}

			model, err := LoadCheckpoint(args[0], filter, keepSeparator)
			if err != nil {
				return err
			}
			if seqLen > model.Sidecar.Config.MaxPositionEmbeddings {
				return fmt.Errorf("sequence length %d exceeds %d position embeddings", seqLen, model.Sidecar.Config.MaxPositionEmbeddings)
			}

			lines, err := readLines(args[1])
			if err != nil {
				return err
			}

			w := bufio.NewWriter(cmd.OutOrStdout())
			if err := Predict(w, model, lines, seqLen, batchSize); err != nil {
				return err
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 32, "Lines encoded per forward pass")
	cmd.Flags().IntVar(&seqLen, "max-seq-length", env.MaxSequenceLength, "Encoded sequence length including [CLS] and [SEP]")
	cmd.Flags().BoolVar(&keepSeparator, "keep-separator", keepSeparator, "Pass literal [SEP] through the basic tokenizer")

	return cmd
}

// Predict writes the predictions of every head of model for lines.
func Predict(w io.Writer, model *LoadedModel, lines []string, seqLen, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1
	}

	texts, err := NewTextEncoder(model.Tokenizer, seqLen)
	if err != nil {
		return err
	}

	for from := 0; from < len(lines); from += batchSize {
		to := min(from+batchSize, len(lines))

		inputs := make([][]int, 0, to-from)
		counts := make([]int, 0, to-from)
		for i := from; i < to; i++ {
			ids, n, err := texts.Encode(lines[i])
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			inputs = append(inputs, ids)
			counts = append(counts, n)
		}

		hidden, _ := model.Encoder.ForwardBatch(inputs, false, nil)
		for i := range inputs {
			for _, rt := range model.Tasks {
				// Heads see one example at a time so rows line up with output
				logits, _ := rt.Head.Forward(hidden[i:i+1], false, nil)
				predictions := rt.Predict(logits)
				if _, err := fmt.Fprintf(w, "%s\t%s\n", rt.Name, formatPrediction(rt, predictions, logits, counts[i])); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// formatPrediction renders one example as "prediction<TAB>logits". Values
// of several positions or columns are joined by the label delimiter and
// the logits of one position by spaces.
func formatPrediction(rt *TaskRuntime, predictions, logits *Tensor, content int) string {
	opts := rt.Head.Options()

	positions := []int{0}
	if opts.TokenLevel {
		positions = positions[:0]
		for p := 1; p <= content; p++ {
			positions = append(positions, p)
		}
	}

	perPosition := logits.Size() / max(predictions.Size(), 1)
	if !opts.TokenLevel {
		perPosition = logits.Size()
	}

	var preds, scores []string
	for _, p := range positions {
		if opts.TokenLevel {
			preds = append(preds, formatLabel(rt, predictions.data[p]))
			scores = append(scores, formatLogits(logits.data[p*perPosition:(p+1)*perPosition]))
			continue
		}

		// Multi-label binary heads predict one value per column
		for _, v := range predictions.data {
			preds = append(preds, formatLabel(rt, v))
		}
		if opts.Kind == BinaryHeadKind {
			for _, v := range logits.data {
				scores = append(scores, formatLogits([]float64{v}))
			}
		} else {
			scores = append(scores, formatLogits(logits.data))
		}
	}

	sep := string(Delimiter)
	return strings.Join(preds, sep) + "\t" + strings.Join(scores, sep)
}

func formatLabel(rt *TaskRuntime, v float64) string {
	if id := int(v); rt.Labels != nil && id >= 0 && id < len(rt.Labels) {
		return rt.Labels[id]
	}
	return strconv.Itoa(int(v))
}

func formatLogits(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 4, 64)
	}
	return strings.Join(parts, " ")
}
