// Package splitter implements the text segmentation engine: it turns
// normalized document text into an ordered list of chunk strings under a
// selected strategy and size/overlap policy. Splitting is deterministic —
// the same input and parameters always produce the same chunks — and has no
// external dependencies, so chunk previews and reindex runs agree byte for
// byte.
package splitter

import (
	"fmt"
	"strings"
)

// Strategy names accepted by New.
const (
	// StrategyCharacter slides a fixed-width character window over the text.
	StrategyCharacter = "character"
	// StrategyRecursive prefers cutting at delimiter boundaries near the
	// window edge, falling back to a hard character cut.
	StrategyRecursive = "recursive"
	// StrategyToken sizes windows in approximate token units rather than
	// characters.
	StrategyToken = "token"
)

// charsPerToken is the conservative character-to-token ratio used by the
// token strategy and by TokenCount. 1 token ≈ 4 characters holds for English
// prose and code and keeps the engine deterministic across model backends.
const charsPerToken = 4

// DefaultSize is the chunk size used when Params.Size is zero.
const DefaultSize = 1000

// DefaultOverlapPercent is the overlap, as a percentage of size, used when
// neither an absolute overlap nor a percentage is given.
const DefaultOverlapPercent = 20

// Params selects and tunes a splitting strategy.
type Params struct {
	// Strategy is one of character, recursive, or token.
	// Empty selects recursive.
	Strategy string

	// Size is the target chunk size: characters for character/recursive,
	// token units for token. Zero selects DefaultSize.
	Size int

	// Overlap is the absolute overlap between consecutive chunks, in the
	// same unit as Size. Negative means "use OverlapPercent".
	Overlap int

	// OverlapPercent is the overlap as a percentage of Size, consulted only
	// when Overlap is negative. Zero selects DefaultOverlapPercent.
	OverlapPercent int

	// Delimiters overrides the recursive strategy's boundary set, ordered by
	// preference. Ignored by the other strategies.
	Delimiters []string
}

// Strategy splits text into ordered chunks. Implementations return only
// non-empty chunks and return nil for empty or whitespace-only input.
type Strategy interface {
	Split(text string) []string
}

// New constructs the Strategy named by p.Strategy. An unknown strategy name
// is a configuration error, not something to retry.
func New(p Params) (Strategy, error) {
	size, overlap := ResolveWindow(p)

	name := p.Strategy
	if name == "" {
		name = StrategyRecursive
	}

	switch name {
	case StrategyCharacter:
		return &characterStrategy{size: size, overlap: overlap}, nil
	case StrategyRecursive:
		delims := p.Delimiters
		if len(delims) == 0 {
			delims = defaultDelimiters
		}
		return &recursiveStrategy{size: size, overlap: overlap, delimiters: delims}, nil
	case StrategyToken:
		return &tokenStrategy{size: size, overlap: overlap}, nil
	default:
		return nil, fmt.Errorf("splitter: unknown strategy %q — valid values: character, recursive, token", name)
	}
}

// ResolveWindow applies defaulting and clamping: size falls back to
// DefaultSize, percentage overlap is converted to absolute, and the result
// is capped at size/2 so a window always advances. Exposed so callers can
// report the effective window a given Params produces.
func ResolveWindow(p Params) (size, overlap int) {
	size = p.Size
	if size <= 0 {
		size = DefaultSize
	}

	overlap = p.Overlap
	if overlap < 0 {
		pct := p.OverlapPercent
		if pct <= 0 {
			pct = DefaultOverlapPercent
		}
		overlap = size * pct / 100
	}
	if overlap > size/2 {
		overlap = size / 2
	}
	if overlap < 0 {
		overlap = 0
	}
	return size, overlap
}

// Normalize collapses runs of whitespace (including newlines) into single
// spaces and trims the ends. Character and recursive windows operate on the
// normalized form so chunk boundaries are stable across re-extractions of
// the same document.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// TokenCount estimates the token count of s using the same heuristic the
// token strategy windows with. Non-empty strings count as at least one token.
func TokenCount(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// window slides a [size, overlap] window over cleaned text, appending trimmed
// non-empty chunks. All positions are rune indices, never byte offsets, so a
// boundary can never land inside a multi-byte character and CJK text gets the
// same window widths as ASCII. cut, when non-nil, may pull the window end
// backward to a preferred boundary. Shared by all three strategies.
func window(cleaned string, size, overlap int, cut func(runes []rune, start, end int) int) []string {
	if cleaned == "" {
		return nil
	}
	if size <= 0 {
		return []string{cleaned}
	}

	runes := []rune(cleaned)
	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if cut != nil {
			end = cut(runes, start, end)
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			// Degenerate boundary placement — never re-emit the same window.
			next = end
		}
		start = next
	}
	return chunks
}
