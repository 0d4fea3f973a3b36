package main

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidUTF8 is returned when input text cannot be decoded.
var ErrInvalidUTF8 = errors.New("normalizer: invalid UTF-8")

// Normalizer converts raw text into canonical decomposed (NFD) form.
// The zero value is ready to use and safe for concurrent use.
type Normalizer struct{}

// Normalize returns the NFD form of s.
func (Normalizer) Normalize(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUTF8, truncateForError(s))
	}

	out, _, err := transform.String(norm.NFD, s)
	if err != nil {
		return "", fmt.Errorf("failed to normalize: %w", err)
	}
	return out, nil
}

func truncateForError(s string) string {
	const max = 32
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
