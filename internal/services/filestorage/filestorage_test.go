package filestorage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	s, err := NewLocalFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	files := []FileInfo{
		NewFileInfo("json/2025-01-01/lab/run_1/metadata.json", []byte(`{"run_id":"run_1"}`)),
		NewFileInfo("json/2025-01-01/lab/run_1/final/01_output_image.png", []byte("\x89PNG\r\n\x1a\n")),
	}
	dests, err := s.UploadMultiple(ctx, files)
	require.NoError(t, err)
	assert.Len(t, dests, 2)
	assert.Equal(t, "image/png", files[1].ContentType)

	got, err := s.GetFile(ctx, "json/2025-01-01/lab/run_1/metadata.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"run_id":"run_1"}`, string(got.Content))

	_, err = s.GetFile(ctx, "json/missing.json")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
		ok   bool
	}{
		{"a/b.txt", "a/b.txt", true},
		{"/a/b.txt", "a/b.txt", true},
		{`a\b.txt`, "a/b.txt", true},
		{"../etc/passwd", "", false},
		{"a//b", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := cleanKey(tt.key)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
