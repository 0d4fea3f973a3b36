package main

import (
	"strings"
	"unicode"
)

// SeparatorToken is the literal BasicTokenizer can pass through untouched.
const SeparatorToken = "[SEP]"

// BasicTokenizer splits normalized text into coarse tokens: it removes
// control characters, isolates CJK ideographs, splits on whitespace and
// punctuation, and optionally lowercases and strips accents.
//
// The input is expected to be NFD-normalized so that accents are separate
// non-spacing marks.
type BasicTokenizer struct {
	Lowercase bool

	// KeepSeparator passes the literal [SEP] through without lowercasing,
	// accent stripping or punctuation splitting.
	KeepSeparator bool
}

// Tokenize returns the coarse tokens of s.
func (bt BasicTokenizer) Tokenize(s string) []string {
	s = cleanText(s)
	s = isolateCJK(s)
	s = strings.TrimSpace(s)

	var split []string
	for _, token := range strings.FieldsFunc(s, unicode.IsSpace) {
		if bt.KeepSeparator && token == SeparatorToken {
			split = append(split, token)
			continue
		}

		if bt.Lowercase {
			token = strings.ToLower(token)
		}
		token = stripAccents(token)
		split = append(split, splitPunctuation(token)...)
	}

	tokens := strings.Fields(strings.Join(split, " "))
	Trace("basic tokenize", "input", s, "tokens", tokens)
	return tokens
}

// cleanText drops NUL, U+FFFD and control characters, and maps every
// whitespace character to a single ASCII space.
func cleanText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0 || r == unicode.ReplacementChar:
		case isWhitespace(r):
			sb.WriteByte(' ')
		case isControl(r):
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// isolateCJK surrounds every CJK ideograph with spaces.
func isolateCJK(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if isCJK(r) {
			sb.WriteByte(' ')
			sb.WriteRune(r)
			sb.WriteByte(' ')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func stripAccents(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return r
	}, s)
}

// splitPunctuation makes every punctuation character its own token and
// keeps runs of other characters joined.
func splitPunctuation(s string) []string {
	var out []string
	var current strings.Builder
	for _, r := range s {
		if isPunctuation(r) {
			if current.Len() > 0 {
				out = append(out, current.String())
				current.Reset()
			}
			out = append(out, string(r))
			continue
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// isWhitespace treats tab, newline and carriage return as whitespace even
// though they are control characters.
func isWhitespace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return unicode.IsSpace(r)
}

func isControl(r rune) bool {
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

// isPunctuation covers the Unicode punctuation categories plus every
// non-alphanumeric printable ASCII character.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF,
		r >= 0x3400 && r <= 0x4DBF,
		r >= 0x20000 && r <= 0x2A6DF,
		r >= 0x2A700 && r <= 0x2B73F,
		r >= 0x2B740 && r <= 0x2B81F,
		r >= 0x2B820 && r <= 0x2CEAF,
		r >= 0xF900 && r <= 0xFAFF,
		r >= 0x2F800 && r <= 0x2FA1F:
		return true
	}
	return false
}
