package toolcall

import (
	"strings"
	"unicode"
)

// HoldIndex returns the offset in s from which text may still belong to a
// tool-call fragment and must not be streamed yet. found reports whether a
// full Marker is present, in which case everything from the offset on is
// part of a candidate fragment. The held region includes any whitespace and
// code-fence opener directly in front of the marker, matching what Decode
// removes.
func HoldIndex(s string) (idx int, found bool) {
	if i := strings.Index(s, Marker); i >= 0 {
		return backOverFence(s, i), true
	}

	for n := min(len(Marker)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, Marker[:n]) {
			return backOverFence(s, len(s)-n), false
		}
	}

	return backOverFence(s, len(s)), false
}

// backOverFence moves i left over trailing whitespace and a (possibly
// partial) ``` or ```xml opener.
func backOverFence(s string, i int) int {
	i = backOverSpace(s, i)

	head := s[:i]
	for _, suffix := range []string{"```xml", "```xm", "```x", "```", "``", "`"} {
		if strings.HasSuffix(head, suffix) {
			return backOverSpace(s, i-len(suffix))
		}
	}
	return i
}

func backOverSpace(s string, i int) int {
	for i > 0 {
		r := rune(s[i-1])
		if r >= 0x80 || !unicode.IsSpace(r) {
			break
		}
		i--
	}
	return i
}
