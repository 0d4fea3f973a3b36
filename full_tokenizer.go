package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	VocabularyFile  = "vocab.txt"
	LowercaseMarker = "lowercase"
	ClassifyToken   = "[CLS]"
)

// TokenizerOptions configures LoadFullTokenizer.
type TokenizerOptions struct {
	// Lowercase overrides the lowercase marker file when set.
	Lowercase *bool

	KeepSeparator bool
}

// FullTokenizer turns free text into WordPiece tokens and vocabulary ids:
// NFD normalization, then BasicTokenizer, then WordPiece.
//
// A FullTokenizer holds no mutable state after construction.
type FullTokenizer struct {
	normalizer Normalizer
	basic      BasicTokenizer
	wordpiece  WordPiece
	vocab      *Vocabulary
}

func NewFullTokenizer(vocab *Vocabulary, lowercase, keepSeparator bool) *FullTokenizer {
	return &FullTokenizer{
		basic:     BasicTokenizer{Lowercase: lowercase, KeepSeparator: keepSeparator},
		wordpiece: NewWordPiece(vocab),
		vocab:     vocab,
	}
}

// LoadFullTokenizer reads vocab.txt from modelDir. Unless opts.Lowercase
// is set, lowercasing is enabled by the presence of a file named
// "lowercase" in modelDir.
func LoadFullTokenizer(modelDir string, opts TokenizerOptions) (*FullTokenizer, error) {
	return LoadFullTokenizerFiles(
		filepath.Join(modelDir, VocabularyFile),
		filepath.Join(modelDir, LowercaseMarker),
		opts,
	)
}

// LoadFullTokenizerFiles is LoadFullTokenizer with explicit paths for the
// vocabulary and the lowercase marker.
func LoadFullTokenizerFiles(vocabPath, markerPath string, opts TokenizerOptions) (*FullTokenizer, error) {
	vocab, err := LoadVocabulary(vocabPath)
	if err != nil {
		return nil, err
	}

	lowercase := false
	if opts.Lowercase != nil {
		lowercase = *opts.Lowercase
	} else {
		lowercase, err = markerExists(markerPath)
		if err != nil {
			return nil, err
		}
	}

	return NewFullTokenizer(vocab, lowercase, opts.KeepSeparator), nil
}

func markerExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check %s: %w", path, err)
	}
}

func (ft *FullTokenizer) Vocabulary() *Vocabulary {
	return ft.vocab
}

func (ft *FullTokenizer) Lowercase() bool {
	return ft.basic.Lowercase
}

// Tokenize returns the WordPiece tokens of text.
func (ft *FullTokenizer) Tokenize(text string) ([]string, error) {
	normalized, err := ft.normalizer.Normalize(text)
	if err != nil {
		return nil, err
	}
	return ft.wordpiece.TokenizeAll(ft.basic.Tokenize(normalized)), nil
}

// TokenizeToIDs returns the vocabulary ids of text's tokens. Unknown words
// map to the id of [UNK], so this only fails when [UNK] itself is missing
// from the vocabulary.
func (ft *FullTokenizer) TokenizeToIDs(text string) ([]int, error) {
	tokens, err := ft.Tokenize(text)
	if err != nil {
		return nil, err
	}

	ids := make([]int, len(tokens))
	for i, token := range tokens {
		if ids[i], err = ft.vocab.ID(token); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// TokenToID returns the id of a single token.
func (ft *FullTokenizer) TokenToID(token string) (int, error) {
	return ft.vocab.ID(token)
}
