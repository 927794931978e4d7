package pipeline

import (
	"strings"
)

// NormalizeText canonicalizes extracted text before chunking: CRLF to LF,
// trailing whitespace stripped per line, runs of blank lines collapsed to
// one blank line. Chunk offsets always refer to the normalized text.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
