package adapter

import "strings"

// StripANSI removes CSI, OSC and two-byte escape sequences in one pass.
func StripANSI(content string) string {
	// \x9B is the 8-bit CSI
	if strings.IndexByte(content, '\x1b') < 0 && strings.IndexByte(content, '\x9B') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		c := content[i]
		if c == '\x1b' && i+1 < len(content) {
			switch content[i+1] {
			case '[':
				i = skipCSI(content, i+2)
				continue
			case ']':
				if end := oscEnd(content, i+2); end > 0 {
					i = end
					continue
				}
			}
			i += 2
			continue
		}
		if c == '\x1b' {
			i++
			continue
		}
		if c == '\x9B' {
			i = skipCSI(content, i+1)
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// skipCSI returns the index after the final byte of a CSI whose parameters
// start at j.
func skipCSI(s string, j int) int {
	for j < len(s) {
		c := s[j]
		j++
		if c >= 0x40 && c <= 0x7e {
			break
		}
	}
	return j
}

// oscEnd returns the index after the BEL or ST terminating an OSC, or -1.
func oscEnd(s string, j int) int {
	for ; j < len(s); j++ {
		switch s[j] {
		case '\x07':
			return j + 1
		case '\x1b':
			if j+1 < len(s) && s[j+1] == '\\' {
				return j + 2
			}
		}
	}
	return -1
}

// HasVisibleText reports whether s has non-whitespace after stripping escapes.
func HasVisibleText(s string) bool {
	return strings.TrimSpace(StripANSI(s)) != ""
}

// lastLines returns up to n trailing non-blank lines of s with \r removed.
func lastLines(s string, n int) []string {
	lines := strings.Split(strings.ReplaceAll(s, "\r", ""), "\n")
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			out = append(out, lines[i])
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}
