package splitter

import (
	"strings"
	"unicode/utf8"
)

// defaultDelimiters is the recursive strategy's boundary preference order.
// Text is whitespace-normalized before splitting, so the set is built from
// sentence and clause punctuation rather than newlines.
var defaultDelimiters = []string{". ", "! ", "? ", "; ", ", ", " "}

// characterStrategy slides a fixed-width window of size characters with the
// configured overlap. It is the simplest and fastest strategy and the one
// whose chunk boundaries are easiest to reason about in tests.
type characterStrategy struct {
	size    int
	overlap int
}

func (s *characterStrategy) Split(text string) []string {
	return window(Normalize(text), s.size, s.overlap, nil)
}

// recursiveStrategy prefers ending each chunk at a delimiter boundary found
// in the back half of the window. Delimiters are tried in preference order;
// if none occurs, the chunk falls back to a hard character cut, so output is
// never larger than size.
type recursiveStrategy struct {
	size       int
	overlap    int
	delimiters []string
}

func (s *recursiveStrategy) Split(text string) []string {
	cleaned := Normalize(text)
	return window(cleaned, s.size, s.overlap, func(runes []rune, start, end int) int {
		// Only consider boundaries in the back half so a pathological
		// delimiter placement cannot shrink chunks below size/2.
		floor := start + s.size/2
		tail := string(runes[floor:end])
		for _, delim := range s.delimiters {
			if idx := strings.LastIndex(tail, delim); idx >= 0 {
				// LastIndex reports bytes; the window counts runes.
				return floor + utf8.RuneCountInString(tail[:idx]) + utf8.RuneCountInString(delim)
			}
		}
		return end
	})
}

// tokenStrategy windows in approximate token units, converting size and
// overlap to characters via the charsPerToken heuristic. Unlike the
// character strategies it does not normalize whitespace, preserving layout
// that a tokenizer would also see.
type tokenStrategy struct {
	size    int
	overlap int
}

func (s *tokenStrategy) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return window(text, s.size*charsPerToken, s.overlap*charsPerToken, nil)
}
