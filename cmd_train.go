package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ===========================================================================
// TRAINING CLI
// ===========================================================================
//
// Tasks are configured positionally: --metric and --loss-multiplier apply
// to the closest --task before them.
//
//   bert-finetune train -M models/bert-base-uncased -D data \
//       -t sentiment -m accuracy -m f1 \
//       -t ner -m accuracy -l 0.5 \
//       --save out/run1
//
// reads data/{train,val}-texts, data/{train,val}-sentiment and
// data/{train,val}-ner.
//
// ===========================================================================

// taskList collects TaskOptions from flags in command-line order.
type taskList struct {
	tasks []TaskOptions
}

func (l *taskList) last(flag string) (*TaskOptions, error) {
	if len(l.tasks) == 0 {
		return nil, fmt.Errorf("--%s must follow a --task", flag)
	}
	return &l.tasks[len(l.tasks)-1], nil
}

type taskFlag struct{ list *taskList }

func (f taskFlag) String() string {
	names := make([]string, len(f.list.tasks))
	for i, t := range f.list.tasks {
		names[i] = t.Name
	}
	return strings.Join(names, ",")
}

func (f taskFlag) Set(s string) error {
	f.list.tasks = append(f.list.tasks, TaskOptions{Name: s})
	return nil
}

func (taskFlag) Type() string { return "name" }

type metricFlag struct{ list *taskList }

func (f metricFlag) String() string { return "" }

func (f metricFlag) Set(s string) error {
	task, err := f.list.last("metric")
	if err != nil {
		return err
	}
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			task.Metrics = append(task.Metrics, name)
		}
	}
	return nil
}

func (metricFlag) Type() string { return "name" }

type multiplierFlag struct{ list *taskList }

func (f multiplierFlag) String() string { return "" }

func (f multiplierFlag) Set(s string) error {
	task, err := f.list.last("loss-multiplier")
	if err != nil {
		return err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	task.LossMultiplier = &v
	return nil
}

func (multiplierFlag) Type() string { return "float" }

var (
	_ pflag.Value = taskFlag{}
	_ pflag.Value = metricFlag{}
	_ pflag.Value = multiplierFlag{}
)

// trainFlagAliases accepts --num-epochs for --epochs.
func trainFlagAliases(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == "num-epochs" {
		name = "epochs"
	}
	return pflag.NormalizedName(name)
}

func NewTrainCommand(env EnvConfig) *cobra.Command {
	opts := DefaultTrainOptions()
	opts.MaxSeqLength = env.MaxSequenceLength
	opts.KeepSeparator = env.KeepSeparator

	var tasks taskList
	var lowercase bool

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune a BERT encoder on one or more tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(tasks.tasks) == 0 {
				return errors.New("at least one --task is required")
			}
			opts.Tasks = tasks.tasks
			if cmd.Flags().Changed("lowercase") {
				opts.Lowercase = &lowercase
			}
			opts.Out = cmd.OutOrStdout()

			return Train(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.ModelDir, "model-dir", "M", "", "Directory with vocab.txt, optional config.json and pretrained *.dat weights")
	flags.StringVarP(&opts.DataDir, "data-dir", "D", "", "Directory with train-texts, val-texts and per-task label files")
	flags.VarP(taskFlag{&tasks}, "task", "t", "Task name, repeat for multi-task training")
	flags.VarP(metricFlag{&tasks}, "metric", "m", "Metric for the preceding task (accuracy, f1, matthewscc)")
	flags.VarP(multiplierFlag{&tasks}, "loss-multiplier", "l", fmt.Sprintf("Loss multiplier for the preceding task (default %v, 1 for a single task)", DefaultLossMultiplier))
	flags.IntVarP(&opts.BatchSize, "batch-size", "b", opts.BatchSize, "Batch size")
	flags.IntVarP(&opts.Epochs, "epochs", "e", opts.Epochs, "Number of epochs")
	flags.IntVarP(&opts.NumWorkers, "num-workers", "w", 0, "Batches assembled ahead of training")
	flags.Int64VarP(&opts.Seed, "seed", "s", opts.Seed, "Random seed for init, dropout and shuffling")
	flags.Float64Var(&opts.LearningRate, "learning-rate", opts.LearningRate, "Adam learning rate")
	flags.StringVar(&opts.SavePath, "save", "", "Checkpoint base path, saved whenever the primary score improves")
	flags.IntVar(&opts.MaxSeqLength, "max-seq-length", opts.MaxSeqLength, "Encoded sequence length including [CLS] and [SEP]")
	flags.BoolVar(&lowercase, "lowercase", false, "Lowercase input, overriding the model directory marker file")
	flags.BoolVar(&opts.KeepSeparator, "keep-separator", opts.KeepSeparator, "Pass literal [SEP] through the basic tokenizer")

	flags.SetNormalizeFunc(trainFlagAliases)

	cmd.MarkFlagRequired("model-dir")
	cmd.MarkFlagRequired("data-dir")

	return cmd
}
