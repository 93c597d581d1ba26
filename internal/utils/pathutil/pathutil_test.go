package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/exports")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "exports"), got)

	got, err = ExpandPath("./schemas")
	require.NoError(t, err)
	assert.Equal(t, "./schemas", got)
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{"plain", "final/01_output_image.png", false},
		{"dot segments inside", "final/../metadata.json", false},
		{"escape", "../etc/passwd", true},
		{"absolute", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SafeJoin(root, tt.rel)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOutsideRoot)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
