package pipeline

import (
	"strings"
	"unicode/utf8"
)

// Piece is one contiguous slice of the normalized source text. Pieces
// partition the text exactly: piece[i].End == piece[i+1].Start, and
// concatenating all piece texts reproduces the input byte for byte.
type Piece struct {
	Index int
	Text  string
	Start int
	End   int
}

/*
SplitText cuts text into pieces no longer than maxChars bytes, preferring
a whitespace boundary near the limit over a mid-word cut. Only when a
window contains no whitespace at all does it cut mid-token, backing up
past UTF-8 continuation bytes so a rune is never split.
*/
func SplitText(text string, maxChars int) []Piece {
	if maxChars <= 0 {
		maxChars = 1200
	}
	var pieces []Piece
	start := 0
	for start < len(text) {
		end := start + maxChars
		if end >= len(text) {
			end = len(text)
		} else {
			cut := lastWhitespace(text, start, end)
			if cut > start {
				end = cut
			} else {
				for end > start && !utf8.RuneStart(text[end]) {
					end--
				}
				if end == start {
					end = start + maxChars
				}
			}
		}
		pieces = append(pieces, Piece{
			Index: len(pieces),
			Text:  text[start:end],
			Start: start,
			End:   end,
		})
		start = end
	}
	return pieces
}

// lastWhitespace returns the index just after the last ASCII whitespace
// byte in text[start:end], or -1 when there is none. Whitespace bytes are
// single-byte in UTF-8, so the cut is always rune-safe.
func lastWhitespace(text string, start, end int) int {
	for i := end; i > start; i-- {
		switch text[i-1] {
		case ' ', '\n', '\t':
			return i
		}
	}
	return -1
}

/*
BatchesWithOverlap groups paragraphs into batches of at most maxChars,
seeding each batch after the first with the trailing overlap paragraphs
of its predecessor. A statement split across a batch boundary therefore
appears whole in the following batch; the merge step removes the
resulting duplicate lines.
*/
func BatchesWithOverlap(paragraphs []string, maxChars, overlap int) []string {
	if maxChars <= 0 {
		maxChars = 12000
	}
	if overlap < 0 {
		overlap = 0
	}

	var batches []string
	var current []string
	currentLen := 0
	fresh := 0 // paragraphs in current that are not overlap seed

	flush := func() {
		if fresh == 0 {
			return
		}
		batches = append(batches, strings.Join(current, "\n\n"))
		tail := overlap
		if tail > len(current) {
			tail = len(current)
		}
		seed := make([]string, tail)
		copy(seed, current[len(current)-tail:])
		current = seed
		currentLen = 0
		for _, p := range current {
			currentLen += len(p) + 2
		}
		fresh = 0
	}

	for _, p := range paragraphs {
		if p == "" {
			continue
		}
		if currentLen > 0 && currentLen+len(p)+2 > maxChars {
			flush()
		}
		current = append(current, p)
		currentLen += len(p) + 2
		fresh++
	}
	flush()
	return batches
}

// Paragraphs splits normalized text on blank lines.
func Paragraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
