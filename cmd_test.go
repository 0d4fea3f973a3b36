package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskFlagsFollowTheirTask(t *testing.T) {
	var tasks taskList
	flags := pflag.NewFlagSet("train", pflag.ContinueOnError)
	flags.VarP(taskFlag{&tasks}, "task", "t", "")
	flags.VarP(metricFlag{&tasks}, "metric", "m", "")
	flags.VarP(multiplierFlag{&tasks}, "loss-multiplier", "l", "")

	err := flags.Parse([]string{
		"-t", "sentiment", "-m", "accuracy", "--metric", "f1,matthewscc",
		"--task", "ner", "-l", "0.5", "-m", "accuracy",
		"-t", "pos",
	})
	require.NoError(t, err)

	require.Len(t, tasks.tasks, 3)
	assert.Equal(t, "sentiment", tasks.tasks[0].Name)
	assert.Equal(t, []string{"accuracy", "f1", "matthewscc"}, tasks.tasks[0].Metrics)
	assert.Nil(t, tasks.tasks[0].LossMultiplier)

	assert.Equal(t, "ner", tasks.tasks[1].Name)
	assert.Equal(t, []string{"accuracy"}, tasks.tasks[1].Metrics)
	require.NotNil(t, tasks.tasks[1].LossMultiplier)
	assert.Equal(t, 0.5, *tasks.tasks[1].LossMultiplier)

	assert.Equal(t, "pos", tasks.tasks[2].Name)
	assert.Equal(t, "sentiment,ner,pos", taskFlag{&tasks}.String())
}

func TestTaskFlagsRequireTask(t *testing.T) {
	var tasks taskList
	flags := pflag.NewFlagSet("train", pflag.ContinueOnError)
	flags.SetOutput(&bytes.Buffer{})
	flags.VarP(taskFlag{&tasks}, "task", "t", "")
	flags.VarP(metricFlag{&tasks}, "metric", "m", "")
	flags.VarP(multiplierFlag{&tasks}, "loss-multiplier", "l", "")

	assert.ErrorContains(t, flags.Parse([]string{"-m", "accuracy", "-t", "a"}), "must follow a --task")
	assert.Error(t, flags.Parse([]string{"-t", "a", "-l", "high"}))
}

func TestTrainNumEpochsAlias(t *testing.T) {
	for _, args := range [][]string{{"--num-epochs", "7"}, {"--epochs", "7"}, {"-e", "7"}} {
		cmd := NewTrainCommand(EnvConfig{MaxSequenceLength: 6})
		require.NoError(t, cmd.ParseFlags(args), args)
		assert.Equal(t, "7", cmd.Flags().Lookup("epochs").Value.String(), args)
	}
}

// runCLI executes the command tree with args and returns its stdout.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	env := EnvConfig{MaxSequenceLength: 6, KeepSeparator: true}

	var out bytes.Buffer
	cmd := NewCLI(env)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLITrainAndPredict(t *testing.T) {
	modelDir, dataDir := trainFixture(t)
	save := filepath.Join(t.TempDir(), "run")

	out, err := runCLI(t, "", "train", "-M", modelDir, "-D", dataDir,
		"-t", "spam", "-m", "accuracy",
		"-t", "ner", "-l", "0.5",
		"-b", "2", "-e", "1", "--learning-rate", "0.001", "--save", save)
	require.NoError(t, err)
	assert.Contains(t, out, "ACCURACY")

	input := writeTestFile(t, t.TempDir(), "input.txt", "hello\nhelloworld hello\n")
	out, err = runCLI(t, "", "predict", save, input, "spam")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "spam\t"), line)
	}

	out, err = runCLI(t, "", "predict", save, input)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 4)

	_, err = runCLI(t, "", "train", "-M", modelDir, "-D", dataDir)
	assert.ErrorContains(t, err, "--task")

	_, err = runCLI(t, "", "train", "-t", "spam")
	assert.Error(t, err)
}

func TestCLITokenize(t *testing.T) {
	modelDir := writeModelDir(t, helloVocab, true)

	out, err := runCLI(t, "HelloWorld\nhello [SEP] x\n", "tokenize", modelDir)
	require.NoError(t, err)
	assert.Equal(t, "hello ##world\nhello [SEP] [UNK]\n", out)

	out, err = runCLI(t, "HelloWorld\n", "tokenize", "--ids", modelDir)
	require.NoError(t, err)
	assert.Equal(t, "4 5\n", out)

	out, err = runCLI(t, "HelloWorld\n", "tokenize", "--lowercase=false", modelDir)
	require.NoError(t, err)
	assert.Equal(t, "[UNK]\n", out)
}

func TestCLIDetect(t *testing.T) {
	dir := t.TempDir()
	binary := writeTestFile(t, dir, "train-spam", "0\n0\n1\n0\n1\n")
	tokens := writeTestFile(t, dir, "train-ner", "O,B\nO\n")

	out, err := runCLI(t, "", "detect", binary, tokens)
	require.NoError(t, err)
	assert.Equal(t, binary+"\tBinary\n"+tokens+"\tBinary|TokenLevel|NeedsTranslation\n", out)

	_, err = runCLI(t, "", "detect", filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestCLIEnv(t *testing.T) {
	out, err := runCLI(t, "", "env")
	require.NoError(t, err)
	assert.Contains(t, out, "BERTFT_MAX_SEQUENCE_LENGTH=6")
	assert.Contains(t, out, "BERTFT_KEEP_SEPARATOR=true")
}
