package channel

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateMessage(t *testing.T) {
	assert.Equal(t, "short", truncateMessage("short", 10))
	assert.Equal(t, strings.Repeat("c", 10), truncateMessage(strings.Repeat("c", 25), 10))

	msg := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, strings.Repeat("a", 8), truncateMessage(msg, 12), "cuts at a late line break")

	early := "ab\n" + strings.Repeat("b", 20)
	assert.Equal(t, "ab\n"+strings.Repeat("b", 7), truncateMessage(early, 10), "early line breaks are ignored")
}

func TestTruncateMessage_CountsRunes(t *testing.T) {
	msg := strings.Repeat("ж", 9) // 18 bytes
	assert.Equal(t, msg, truncateMessage(msg, 9))

	got := truncateMessage(msg, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("ж", 5), got)
}
