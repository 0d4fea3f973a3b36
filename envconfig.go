package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Compile-time defaults. Most can be overridden from the environment or
// from the command line.
const (
	PaddingIndex          = 0
	LayerNormEps          = 1e-12
	MaxSequenceLength     = 100
	Delimiter             = ','
	SniffLines            = 100
	IgnoreIndex           = -1
	MaxGradientNorm       = 1.0
	DefaultLearningRate   = 1e-5
	DefaultLossMultiplier = 0.1
	DefaultSeed           = 42
)

// EnvConfig holds settings read from BERTFT_* environment variables.
type EnvConfig struct {
	// Set via BERTFT_DEBUG in the environment
	LogLevel slog.Level
	// Set via BERTFT_MAX_SEQUENCE_LENGTH in the environment
	MaxSequenceLength int
	// Set via BERTFT_NUM_THREADS in the environment
	NumThreads int
	// Set via BERTFT_KEEP_SEPARATOR in the environment
	KeepSeparator bool
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func (c EnvConfig) AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"BERTFT_DEBUG":               {"BERTFT_DEBUG", c.LogLevel, "Show additional debug information (1=debug, 2=trace)"},
		"BERTFT_MAX_SEQUENCE_LENGTH": {"BERTFT_MAX_SEQUENCE_LENGTH", c.MaxSequenceLength, fmt.Sprintf("Encoded sequence length (default %d)", MaxSequenceLength)},
		"BERTFT_NUM_THREADS":         {"BERTFT_NUM_THREADS", c.NumThreads, "Matrix multiply worker goroutines (default: number of CPUs)"},
		"BERTFT_KEEP_SEPARATOR":      {"BERTFT_KEEP_SEPARATOR", c.KeepSeparator, "Pass literal [SEP] through the basic tokenizer untouched (default true)"},
	}
}

func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// LoadEnvConfig reads the environment. Invalid values are logged and
// ignored in favor of the defaults.
func LoadEnvConfig() EnvConfig {
	c := EnvConfig{
		LogLevel:          slog.LevelInfo,
		MaxSequenceLength: MaxSequenceLength,
		KeepSeparator:     true,
	}

	if debug := clean("BERTFT_DEBUG"); debug != "" {
		switch n, err := strconv.Atoi(debug); {
		case err == nil && n >= 2:
			c.LogLevel = LevelTrace
		case err == nil && n == 0:
		default:
			if b, err := strconv.ParseBool(debug); err != nil || b {
				c.LogLevel = slog.LevelDebug
			}
		}
	}

	if s := clean("BERTFT_MAX_SEQUENCE_LENGTH"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 3 {
			slog.Error("invalid setting must be at least 3", "BERTFT_MAX_SEQUENCE_LENGTH", s, "error", err)
		} else {
			c.MaxSequenceLength = n
		}
	}

	if s := clean("BERTFT_NUM_THREADS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			slog.Error("invalid setting", "BERTFT_NUM_THREADS", s, "error", err)
		} else {
			c.NumThreads = n
		}
	}

	if s := clean("BERTFT_KEEP_SEPARATOR"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			slog.Error("invalid setting", "BERTFT_KEEP_SEPARATOR", s, "error", err)
		} else {
			c.KeepSeparator = b
		}
	}

	return c
}
