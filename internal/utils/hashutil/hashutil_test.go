package hashutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlake3FileMatchesBytes(t *testing.T) {
	data := []byte("a flower in a meadow")
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := Blake3File(path)
	require.NoError(t, err)
	assert.Equal(t, Blake3Hash(data), got)
	assert.Len(t, got, 64)
}

func TestBlake3FileMissing(t *testing.T) {
	_, err := Blake3File(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
