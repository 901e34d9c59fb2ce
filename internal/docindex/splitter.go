package docindex

import "strings"

// separators are tried in order when looking for a natural break near the
// end of a chunk.
var separators = []string{"\n\n", "\n", ". ", " "}

// SplitText cuts text into chunks of at most size runes where consecutive
// chunks share roughly overlap runes. Breaks prefer paragraph, line, sentence
// and word boundaries in the second half of the window.
func SplitText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(text)
	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint returns the end of the window [start, end) moved back to the
// last separator found in its second half, or end if there is none.
func breakPoint(runes []rune, start, end int) int {
	window := string(runes[start:end])
	half := len(window) / 2
	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i >= half {
			// convert the byte offset back to a rune offset
			return start + len([]rune(window[:i+len(sep)]))
		}
	}
	return end
}
