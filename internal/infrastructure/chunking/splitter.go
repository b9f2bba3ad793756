package chunking

import (
	"strings"
	"unicode"
)

// Splitter cuts text into passages of at most ChunkSize runes, with Overlap
// runes shared between neighbours. Cuts prefer a whitespace boundary in the
// last fifth of the window so words stay whole.
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 900
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var out []string
	for start := 0; start < len(runes); {
		end := min(start+s.ChunkSize, len(runes))
		if end < len(runes) {
			end = snapToSpace(runes, start, end, s.ChunkSize/5)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
		next := end - s.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// snapToSpace moves end back to just after the last space within slack runes.
func snapToSpace(runes []rune, start, end, slack int) int {
	floor := max(end-slack, start+1)
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}
