package transport

import "strings"

// SplitText splits s into pieces of at most limit runes. A cut lands on the
// last newline of a window when that keeps the piece at least a third full.
// Empty input yields one empty piece.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		return []string{s}
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var parts []string
	for len(rs) > 0 {
		n := min(limit, len(rs))
		if n < len(rs) {
			for i := n - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					n = i + 1
					break
				}
			}
		}
		parts = append(parts, strings.TrimRight(string(rs[:n]), "\n"))
		rs = rs[n:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return parts
}
