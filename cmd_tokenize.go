package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func NewTokenizeCommand(env EnvConfig) *cobra.Command {
	var ids, lowercase bool
	keepSeparator := env.KeepSeparator

	cmd := &cobra.Command{
		Use:   "tokenize MODEL_DIR [FILE]",
		Short: "Print the WordPiece tokens of each input line",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := TokenizerOptions{KeepSeparator: keepSeparator}
			if cmd.Flags().Changed("lowercase") {
				opts.Lowercase = &lowercase
			}

			tokenizer, err := LoadFullTokenizer(args[0], opts)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 2 {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			w := bufio.NewWriter(cmd.OutOrStdout())
			if err := tokenizeLines(w, in, tokenizer, ids); err != nil {
				return err
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&ids, "ids", false, "Print vocabulary ids instead of tokens")
	cmd.Flags().BoolVar(&lowercase, "lowercase", false, "Lowercase input, overriding the model directory marker file")
	cmd.Flags().BoolVar(&keepSeparator, "keep-separator", keepSeparator, "Pass literal [SEP] through the basic tokenizer")

	return cmd
}

func tokenizeLines(w io.Writer, r io.Reader, tokenizer *FullTokenizer, ids bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimRight(scanner.Text(), "\r")

		var fields []string
		if ids {
			values, err := tokenizer.TokenizeToIDs(text)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			fields = make([]string, len(values))
			for i, id := range values {
				fields[i] = strconv.Itoa(id)
			}
		} else {
			tokens, err := tokenizer.Tokenize(text)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			fields = tokens
		}

		if _, err := fmt.Fprintln(w, strings.Join(fields, " ")); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func NewDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect FILE...",
		Short: "Print the detected task type of label files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for _, path := range args {
				t, err := DetectTaskType(path)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "%s\t%s\n", path, t); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
