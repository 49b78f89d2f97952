package discord

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessageShortTextSingleChunk(t *testing.T) {
	chunks := SplitMessage("hello world")
	assert.Equal(t, []string{"hello world"}, chunks)
}

func TestSplitMessageEmpty(t *testing.T) {
	assert.Nil(t, SplitMessage(""))
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := splitMessage(text, 15)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 10), chunks[0])
	assert.Equal(t, strings.Repeat("b", 10), chunks[1])
}

func TestSplitMessageFallsBackToSpace(t *testing.T) {
	text := "aaaa bbbb cccc dddd"
	chunks := splitMessage(text, 11)
	require.Len(t, chunks, 2)
	assert.Equal(t, "aaaa bbbb", chunks[0])
	assert.Equal(t, "cccc dddd", chunks[1])
}

func TestSplitMessageHardCutWithoutBreaks(t *testing.T) {
	text := strings.Repeat("x", 25)
	chunks := splitMessage(text, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("x", 10), chunks[0])
	assert.Equal(t, strings.Repeat("x", 10), chunks[1])
	assert.Equal(t, strings.Repeat("x", 5), chunks[2])
}

func TestSplitMessageEveryChunkFitsLimit(t *testing.T) {
	text := strings.Repeat("word another\nline ", 500)
	for _, chunk := range SplitMessage(text) {
		assert.LessOrEqual(t, len([]rune(chunk)), MaxMessageLength)
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}

func TestSplitMessageCountsRunesNotBytes(t *testing.T) {
	// Multibyte runes: 10 characters, 30 bytes.
	text := strings.Repeat("é", 5) + " " + strings.Repeat("ü", 4)
	chunks := splitMessage(text, 6)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("é", 5), chunks[0])
	assert.Equal(t, strings.Repeat("ü", 4), chunks[1])
}

func TestSplitMessageDropsWhitespaceOnlyTail(t *testing.T) {
	text := strings.Repeat("x", 10) + " "
	chunks := splitMessage(text, 10)
	assert.Equal(t, []string{strings.Repeat("x", 10)}, chunks)
}
