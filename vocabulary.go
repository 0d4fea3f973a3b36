package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrEmptyVocabulary is returned for a vocabulary file with no entries.
	ErrEmptyVocabulary = errors.New("vocabulary: empty")

	// ErrTokenNotInVocabulary is returned when a token has no id.
	ErrTokenNotInVocabulary = errors.New("vocabulary: token not found")
)

// Vocabulary maps subword strings to dense integer ids. The id of a token
// is the zero-based line number it was read from.
type Vocabulary struct {
	values []string
	ids    map[string]int
}

// NewVocabulary builds a vocabulary from tokens in id order. Duplicate
// tokens keep their first id.
func NewVocabulary(tokens []string) (*Vocabulary, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyVocabulary
	}

	v := &Vocabulary{
		values: make([]string, len(tokens)),
		ids:    make(map[string]int, len(tokens)),
	}
	copy(v.values, tokens)
	for id, token := range tokens {
		if _, ok := v.ids[token]; !ok {
			v.ids[token] = id
		}
	}
	return v, nil
}

// LoadVocabulary reads one token per line and NFD-normalizes each entry so
// that lookups match normalized input text.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer f.Close()

	var n Normalizer
	var tokens []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		token, err := n.Normalize(strings.TrimRight(scanner.Text(), "\r"))
		if err != nil {
			return nil, fmt.Errorf("failed to read vocabulary %s line %d: %w", path, len(tokens)+1, err)
		}
		tokens = append(tokens, token)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}

	v, err := NewVocabulary(tokens)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

func (v *Vocabulary) Len() int {
	return len(v.values)
}

func (v *Vocabulary) Has(token string) bool {
	_, ok := v.ids[token]
	return ok
}

// ID returns the id of token.
func (v *Vocabulary) ID(token string) (int, error) {
	id, ok := v.ids[token]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrTokenNotInVocabulary, token)
	}
	return id, nil
}

// Token returns the token with the given id.
func (v *Vocabulary) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.values) {
		return "", false
	}
	return v.values[id], true
}

// WriteFile writes the vocabulary back out in id order.
func (v *Vocabulary) WriteFile(path string) error {
	return writeFileAtomic(path, v.write)
}

func (v *Vocabulary) write(w *bufio.Writer) error {
	for _, token := range v.values {
		if _, err := w.WriteString(token + "\n"); err != nil {
			return err
		}
	}
	return nil
}
