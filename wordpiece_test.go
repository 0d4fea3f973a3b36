package main

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testVocabulary(t *testing.T, tokens ...string) *Vocabulary {
	t.Helper()
	vocab, err := NewVocabulary(tokens)
	require.NoError(t, err)
	return vocab
}

func TestWordPiece(t *testing.T) {
	vocab := testVocabulary(t, "[PAD]", "[UNK]", "un", "##aff", "##able", "want", "##ed", "runn", "##ing", "a", "##b")
	wp := NewWordPiece(vocab)

	cases := []struct {
		token string
		want  []string
	}{
		{"unaffable", []string{"un", "##aff", "##able"}},
		{"wanted", []string{"want", "##ed"}},
		{"running", []string{"runn", "##ing"}},
		{"abbb", []string{"a", "##b", "##b", "##b"}},
		{"unwanted", []string{"[UNK]"}},
		{"xyz", []string{"[UNK]"}},
		{"", nil},
	}

	for _, tt := range cases {
		t.Run(tt.token, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, wp.Tokenize(tt.token)); diff != "" {
				t.Errorf("pieces mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWordPieceCharacterLimit(t *testing.T) {
	vocab := testVocabulary(t, "[UNK]", "a", "##a")
	wp := NewWordPiece(vocab)

	atLimit := wp.Tokenize(strings.Repeat("a", MaxInputCharsPerWord))
	require.Len(t, atLimit, MaxInputCharsPerWord)

	// Multi-byte characters count once
	for _, token := range []string{strings.Repeat("a", MaxInputCharsPerWord+1), strings.Repeat("é", MaxInputCharsPerWord+1)} {
		if diff := cmp.Diff([]string{UnknownToken}, wp.Tokenize(token)); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestWordPieceAllOrNothing(t *testing.T) {
	vocab := testVocabulary(t, "[UNK]", "he", "##ll", "##o", "wor", "##ld")
	wp := NewWordPiece(vocab)

	for _, token := range []string{"hello", "hellx", "world", "worlds", "xhello", "he", "hellohello"} {
		pieces := wp.Tokenize(token)
		require.NotEmpty(t, pieces, token)

		if len(pieces) == 1 && pieces[0] == UnknownToken {
			continue
		}
		for _, p := range pieces {
			if p == UnknownToken || !vocab.Has(p) {
				t.Errorf("%q: mixed output %v", token, pieces)
			}
		}
		joined := strings.ReplaceAll(strings.Join(pieces, ""), ContinuationPrefix, "")
		if joined != token {
			t.Errorf("%q: pieces %v do not cover the token", token, pieces)
		}
	}
}
