package memstore

import "strings"

// splitLines splits on "\n". A trailing newline terminates the last line
// rather than starting an empty one.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// CountLines returns the number of lines GetSlice can address.
func CountLines(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(text, "\n"), "\n") + 1
}

// SliceLines returns lines start..end of text, 1-indexed and inclusive,
// with end clamped to the last line. Callers validate start >= 1 and
// end >= start.
func SliceLines(text string, start, end int) string {
	lines := splitLines(text)
	if start > len(lines) {
		return ""
	}
	if end > len(lines) {
		end = len(lines)
	}
	out := strings.Join(lines[start-1:end], "\n")
	if end == len(lines) && strings.HasSuffix(text, "\n") {
		out += "\n"
	}
	return out
}
