package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFileLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0o644))

	lines, err := ReadFileLines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestReadFileLinesMissing(t *testing.T) {
	_, err := ReadFileLines("/nonexistent/file")
	assert.Error(t, err)
}

func TestParseUint32Hex(t *testing.T) {
	v, ok := ParseUint32Hex("1F")
	assert.True(t, ok)
	assert.EqualValues(t, 0x1F, v)

	_, ok = ParseUint32Hex("not-hex")
	assert.False(t, ok)
}

func TestFieldsAt(t *testing.T) {
	line := "a b c"
	assert.Equal(t, "a", FieldsAt(line, 0))
	assert.Equal(t, "c", FieldsAt(line, 2))
	assert.Equal(t, "", FieldsAt(line, 5))
}
