package channel

import (
	"strings"
	"unicode/utf8"
)

// truncateMessage cuts msg to at most maxRunes runes so a reply always goes
// out as a single platform message. It prefers the last line break in the
// second half of the allowance.
func truncateMessage(msg string, maxRunes int) string {
	if utf8.RuneCountInString(msg) <= maxRunes {
		return msg
	}
	cut, n := 0, 0
	for i := range msg {
		if n == maxRunes {
			cut = i
			break
		}
		n++
	}
	head := msg[:cut]
	if idx := strings.LastIndexByte(head, '\n'); idx > 0 && utf8.RuneCountInString(head[:idx]) > maxRunes/2 {
		head = head[:idx]
	}
	return head
}
