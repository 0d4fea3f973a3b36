package main

import "unicode/utf8"

const (
	UnknownToken         = "[UNK]"
	ContinuationPrefix   = "##"
	MaxInputCharsPerWord = 200
)

// WordPiece splits coarse tokens into subword pieces by greedy
// longest-match-first lookup against a vocabulary.
type WordPiece struct {
	vocab           *Vocabulary
	unknown         string
	maxCharsPerWord int
}

func NewWordPiece(vocab *Vocabulary) WordPiece {
	return WordPiece{
		vocab:           vocab,
		unknown:         UnknownToken,
		maxCharsPerWord: MaxInputCharsPerWord,
	}
}

// Tokenize segments a single coarse token. A token that cannot be fully
// covered by vocabulary pieces, or that is longer than the character limit,
// becomes exactly one unknown token.
func (wp WordPiece) Tokenize(token string) []string {
	if utf8.RuneCountInString(token) > wp.maxCharsPerWord {
		return []string{wp.unknown}
	}

	runes := []rune(token)
	var pieces []string
	for start := 0; start < len(runes); {
		end := len(runes)

		var piece string
		for start < end {
			subword := string(runes[start:end])
			if start > 0 {
				subword = ContinuationPrefix + subword
			}
			if wp.vocab.Has(subword) {
				piece = subword
				break
			}
			end--
		}

		if piece == "" {
			Trace("wordpiece unknown", "token", token)
			return []string{wp.unknown}
		}

		pieces = append(pieces, piece)
		start = end
	}

	return pieces
}

// TokenizeAll segments every coarse token and concatenates the pieces.
func (wp WordPiece) TokenizeAll(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, wp.Tokenize(token)...)
	}
	return out
}
