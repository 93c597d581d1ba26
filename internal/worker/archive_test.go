package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/services/filestorage"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/hashutil"
)

func writeRun(t *testing.T) (string, recorder.Metadata) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run_1700000000000-abcd1234")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, recorder.FinalDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, recorder.MetadataFile), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, recorder.FinalDir, "01_output_text.txt"), []byte("hallo"), 0o644))

	meta := recorder.Metadata{
		RunID:     filepath.Base(dir),
		Timestamp: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
		DeviceID:  "lab",
		Status:    types.StatusCompleted,
		Entities: []recorder.Entity{{
			Sequence: 1,
			Type:     "output_text",
			Filename: recorder.FinalDir + "/01_output_text.txt",
			Metadata: map[string]any{"blake3": hashutil.Blake3Hash([]byte("hallo"))},
		}},
	}
	return dir, meta
}

func TestArchiverHookUploadsCompletedRuns(t *testing.T) {
	root := t.TempDir()
	storage, err := filestorage.NewLocalFileStorage(root)
	require.NoError(t, err)

	a := NewArchiver(storage, 2, zap.NewNop())
	dir, meta := writeRun(t)
	a.Hook(dir, meta)
	a.Stop()

	want := filepath.Join(root, "json", "2025-03-14", "lab", meta.RunID, recorder.FinalDir, "01_output_text.txt")
	content, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "hallo", string(content))
	assert.FileExists(t, filepath.Join(root, "json", "2025-03-14", "lab", meta.RunID, recorder.MetadataFile))
}

func TestArchiverHookSkipsUnfinishedRuns(t *testing.T) {
	for _, status := range []types.RunStatus{types.StatusRefused, types.StatusFailed, types.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			root := t.TempDir()
			storage, err := filestorage.NewLocalFileStorage(root)
			require.NoError(t, err)

			a := NewArchiver(storage, 1, nil)
			dir, meta := writeRun(t)
			meta.Status = status
			a.Hook(dir, meta)
			a.Stop()

			entries, err := os.ReadDir(root)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestArchiverHookAfterStop(t *testing.T) {
	storage, err := filestorage.NewLocalFileStorage(t.TempDir())
	require.NoError(t, err)
	a := NewArchiver(storage, 1, nil)
	a.Stop()

	dir, meta := writeRun(t)
	assert.NotPanics(t, func() { a.Hook(dir, meta) })
}

func TestArchiverHookSkipsTamperedRuns(t *testing.T) {
	root := t.TempDir()
	storage, err := filestorage.NewLocalFileStorage(root)
	require.NoError(t, err)

	a := NewArchiver(storage, 1, nil)
	dir, meta := writeRun(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, recorder.FinalDir, "01_output_text.txt"), []byte("changed"), 0o644))
	assert.ErrorIs(t, Verify(dir, meta), ErrChecksumMismatch)

	a.Hook(dir, meta)
	a.Stop()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVerifyMissingFile(t *testing.T) {
	dir, meta := writeRun(t)
	require.NoError(t, Verify(dir, meta))
	require.NoError(t, os.Remove(filepath.Join(dir, recorder.FinalDir, "01_output_text.txt")))
	assert.Error(t, Verify(dir, meta))
}
