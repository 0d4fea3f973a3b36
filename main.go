package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := NewCLI(LoadEnvConfig()).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewCLI builds the command tree. env supplies defaults for flags that
// can also be set from BERTFT_* variables.
func NewCLI(env EnvConfig) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bert-finetune",
		Short:         "Multi-task BERT fine-tuning",
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level := env.LogLevel
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose && level > slog.LevelDebug {
				level = slog.LevelDebug
			}
			slog.SetDefault(NewLogger(os.Stderr, level))

			switch env.NumThreads {
			case 0:
			case 1:
				SetComputeConfig(SingleThreadedConfig())
			default:
				cfg := DefaultComputeConfig()
				cfg.NumWorkers = env.NumThreads
				SetComputeConfig(cfg)
			}
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show debug logging")

	cobra.EnableCommandSorting = false

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := env.AsMap()
			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				v := vars[k]
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%v\t%s\n", v.Name, v.Value, v.Description)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		NewTrainCommand(env),
		NewPredictCommand(env),
		NewTokenizeCommand(env),
		NewDetectCommand(),
		envCmd,
	)

	return rootCmd
}
