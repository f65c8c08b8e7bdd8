package main

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 60))
	assert.Equal(t, strings.Repeat("a", 60), truncate(strings.Repeat("a", 60), 60))
	assert.Equal(t, strings.Repeat("a", 57)+"...", truncate(strings.Repeat("a", 61), 60))

	// Multi-byte bodies (math markup) must not be cut mid-rune.
	long := "\\[ " + strings.Repeat("∑", 80) + " \\]"
	got := truncate(long, 60)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "\\[ "+strings.Repeat("∑", 54)+"...", got)
}
