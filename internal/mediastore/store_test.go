package mediastore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/models"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordRun(t *testing.T, root string, at time.Time, configID, device string, status types.RunStatus) *recorder.Recorder {
	t.Helper()
	r, err := recorder.Start(root, recorder.StartOptions{ConfigID: configID, DeviceID: device, InputText: "x"},
		recorder.WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	if status == types.StatusCompleted {
		_, err = r.RecordMedia(types.MediaImage, []byte("image-bytes"), "png", nil)
		require.NoError(t, err)
	}
	require.NoError(t, r.Finalize(status, nil))
	return r
}

func TestGetMetadataAndMedia(t *testing.T) {
	root := t.TempDir()
	r := recordRun(t, root, time.Date(2025, 1, 2, 10, 0, 0, 0, time.Local), "dada", "lab", types.StatusCompleted)
	s := New(root)

	m, err := s.GetMetadata(r.RunID())
	require.NoError(t, err)
	assert.Equal(t, "dada", m.ConfigID)

	path, e, err := s.PrimaryMedia(r.RunID(), types.MediaImage)
	require.NoError(t, err)
	assert.Equal(t, "final/01_output_image.png", e.Filename)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)

	_, _, err = s.PrimaryMedia(r.RunID(), types.MediaAudio)
	assert.ErrorIs(t, err, ErrMediaNotFound)

	_, err = s.GetMediaPath(r.RunID(), "../../../../etc/passwd")
	assert.ErrorIs(t, err, ErrMediaNotFound)
}

func TestLocateRejectsBadIDs(t *testing.T) {
	s := New(t.TempDir())
	for _, id := range []string{"", "abc", "../run_1-aa", "run_x-y"} {
		_, err := s.Locate(id)
		assert.Error(t, err, id)
	}
	_, err := s.Locate("run_1700000000000-deadbeef")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestUnreadableIsMarkedNotDeleted(t *testing.T) {
	root := t.TempDir()
	r := recordRun(t, root, time.Date(2025, 1, 2, 10, 0, 0, 0, time.Local), "dada", "lab", types.StatusCompleted)
	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), recorder.MetadataFile), []byte("{"), 0o644))

	s := New(root)
	m, err := s.GetMetadata(r.RunID())
	assert.ErrorIs(t, err, recorder.ErrUnreadable)
	require.NotNil(t, m)
	assert.True(t, m.Unreadable)
	assert.FileExists(t, filepath.Join(r.Dir(), UnreadableMarker))
	assert.FileExists(t, filepath.Join(r.Dir(), "final", "01_output_image.png"))
}

func TestListRunsScan(t *testing.T) {
	root := t.TempDir()
	day := func(d int) time.Time { return time.Date(2025, 1, d, 12, 0, 0, 0, time.Local) }
	recordRun(t, root, day(1), "dada", "lab", types.StatusCompleted)
	recordRun(t, root, day(2), "jugendsprache", "lab", types.StatusRefused)
	recordRun(t, root, day(3), "dada", "kiosk", types.StatusCompleted)

	s := New(root)
	tests := []struct {
		name   string
		filter types.RunFilter
		want   []string
	}{
		{"all newest first", types.RunFilter{}, []string{"dada", "jugendsprache", "dada"}},
		{"config", types.RunFilter{ConfigID: "jugendsprache"}, []string{"jugendsprache"}},
		{"status", types.RunFilter{Status: types.StatusCompleted}, []string{"dada", "dada"}},
		{"device", types.RunFilter{DeviceID: "kiosk"}, []string{"dada"}},
		{"date range", types.RunFilter{From: day(2).Truncate(24 * time.Hour), To: time.Date(2025, 1, 2, 0, 0, 0, 0, time.Local)}, []string{"jugendsprache"}},
		{"limit", types.RunFilter{Limit: 1}, []string{"dada"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(context.Background(), tt.filter)
			require.NoError(t, err)
			var got []string
			for _, r := range runs {
				got = append(got, r.ConfigID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

type failingIndex struct{}

func (failingIndex) ListRuns(context.Context, types.RunFilter) ([]types.RunSummary, error) {
	return nil, errors.New("db down")
}

func (failingIndex) GetByID(context.Context, string) (*models.Run, error) {
	return nil, errors.New("db down")
}

func (failingIndex) DeleteByID(context.Context, string) error {
	return errors.New("db down")
}

type staticIndex []types.RunSummary

func (s staticIndex) ListRuns(context.Context, types.RunFilter) ([]types.RunSummary, error) {
	return s, nil
}

func (s staticIndex) GetByID(_ context.Context, id string) (*models.Run, error) {
	return nil, errors.New(id + " not indexed")
}

func (s staticIndex) DeleteByID(context.Context, string) error {
	return nil
}

// pathIndex knows where runs live and remembers which rows were dropped.
type pathIndex struct {
	staticIndex
	paths   map[string]string
	deleted []string
}

func (p *pathIndex) GetByID(_ context.Context, id string) (*models.Run, error) {
	path, ok := p.paths[id]
	if !ok {
		return nil, errors.New(id + " not indexed")
	}
	return &models.Run{ID: id, Path: path}, nil
}

func (p *pathIndex) DeleteByID(_ context.Context, id string) error {
	p.deleted = append(p.deleted, id)
	delete(p.paths, id)
	return nil
}

func TestLocateUsesIndex(t *testing.T) {
	root := t.TempDir()
	r := recordRun(t, root, time.Date(2025, 1, 2, 10, 0, 0, 0, time.Local), "dada", "lab", types.StatusCompleted)

	// the folder was moved somewhere the date bucket does not point to
	moved := filepath.Join(root, recorder.JSONExports, "archive", "lab", r.RunID())
	require.NoError(t, os.MkdirAll(filepath.Dir(moved), 0o755))
	require.NoError(t, os.Rename(r.Dir(), moved))

	idx := &pathIndex{paths: map[string]string{
		r.RunID(): filepath.ToSlash(filepath.Join(recorder.JSONExports, "archive", "lab", r.RunID())),
	}}
	dir, err := New(root, WithIndex(idx)).Locate(r.RunID())
	require.NoError(t, err)
	assert.Equal(t, moved, dir)
	assert.Empty(t, idx.deleted)
}

func TestLocateDropsStaleIndexRow(t *testing.T) {
	root := t.TempDir()
	r := recordRun(t, root, time.Date(2025, 1, 2, 10, 0, 0, 0, time.Local), "dada", "lab", types.StatusCompleted)

	idx := &pathIndex{paths: map[string]string{r.RunID(): "json/1999-01-01/gone/" + r.RunID()}}
	dir, err := New(root, WithIndex(idx)).Locate(r.RunID())
	require.NoError(t, err)
	assert.Equal(t, r.Dir(), dir)
	assert.Equal(t, []string{r.RunID()}, idx.deleted)
}

func TestListRunsIndex(t *testing.T) {
	root := t.TempDir()
	recordRun(t, root, time.Date(2025, 1, 1, 12, 0, 0, 0, time.Local), "dada", "lab", types.StatusCompleted)

	runs, err := New(root, WithIndex(staticIndex{{RunID: "from-index"}})).ListRuns(context.Background(), types.RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, "from-index", runs[0].RunID)

	runs, err = New(root, WithIndex(failingIndex{})).ListRuns(context.Background(), types.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "dada", runs[0].ConfigID)
}
