package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCommandDefaultsToDaemon(t *testing.T) {
	cmd, rest := splitCommand(nil)
	assert.Equal(t, "daemon", cmd)
	assert.Empty(t, rest)

	cmd, rest = splitCommand([]string{"-config", "settings.json"})
	assert.Equal(t, "daemon", cmd)
	assert.Equal(t, []string{"-config", "settings.json"}, rest)

	cmd, rest = splitCommand([]string{"send", "123", "hello"})
	assert.Equal(t, "send", cmd)
	assert.Equal(t, []string{"123", "hello"}, rest)
}

func TestFileListCollectsRepeatedFlags(t *testing.T) {
	var files fileList
	require.NoError(t, files.Set("a.txt"))
	require.NoError(t, files.Set("b.png"))
	assert.Equal(t, fileList{"a.txt", "b.png"}, files)
	assert.Equal(t, "a.txt, b.png", files.String())
}

func TestRunSendRequiresUserID(t *testing.T) {
	err := runSend(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send <userId>")

	err = runSend([]string{"--file", "a.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send <userId>")
}
