package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/drivers"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/migrations"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRepo(t *testing.T) *RunRepository {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	driver, err := drivers.NewSQLiteDriver(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })

	_, err = migrations.Migrate(ctx, driver.GetDB())
	require.NoError(t, err)
	return NewRunRepository(driver.GetDB())
}

func recordRun(t *testing.T, root string, at time.Time, configID, device string, status types.RunStatus) (string, recorder.Metadata) {
	t.Helper()
	rec, err := recorder.Start(root, recorder.StartOptions{
		ConfigID:  configID,
		DeviceID:  device,
		Mode:      types.ModeEco,
		Level:     types.SafetyKids,
		InputText: "a flower",
	}, recorder.WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	_, err = rec.RecordText(1, "input", "a flower", nil)
	require.NoError(t, err)
	if status == types.StatusCompleted {
		_, err = rec.RecordMedia(types.MediaImage, []byte("\x89PNG\r\n\x1a\n"), "png", nil)
		require.NoError(t, err)
	}
	require.NoError(t, rec.Finalize(status, nil))
	return rec.Dir(), rec.Metadata()
}

func TestUpsertAndGet(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	_, meta := recordRun(t, t.TempDir(), time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC), "dada", "lab", types.StatusCompleted)

	require.NoError(t, repo.Upsert(ctx, meta))
	// a second snapshot of the same run replaces the rows
	require.NoError(t, repo.Upsert(ctx, meta))

	run, err := repo.GetByID(ctx, meta.RunID)
	require.NoError(t, err)
	assert.Equal(t, "dada", run.ConfigID)
	assert.Equal(t, string(types.StatusCompleted), run.Status)
	assert.Equal(t, 1, run.MediaCount)
	require.Len(t, run.Entities, 2)
	assert.Equal(t, "input", run.Entities[0].Type)
	assert.Equal(t, "output_image", run.Entities[1].Type)

	require.NoError(t, repo.DeleteByID(ctx, meta.RunID))
	_, err = repo.GetByID(ctx, meta.RunID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsFilters(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	root := t.TempDir()

	day := func(d int) time.Time { return time.Date(2025, 1, d, 12, 0, 0, 0, time.UTC) }
	for _, r := range []struct {
		at     time.Time
		config string
		device string
		status types.RunStatus
	}{
		{day(1), "dada", "lab", types.StatusCompleted},
		{day(2), "jugendsprache", "lab", types.StatusRefused},
		{day(3), "dada", "class", types.StatusFailed},
		{day(4), "dada", "lab", types.StatusCompleted},
	} {
		_, meta := recordRun(t, root, r.at, r.config, r.device, r.status)
		require.NoError(t, repo.Upsert(ctx, meta))
	}

	tests := []struct {
		name   string
		filter types.RunFilter
		want   int
	}{
		{"all", types.RunFilter{}, 4},
		{"config", types.RunFilter{ConfigID: "dada"}, 3},
		{"status", types.RunFilter{Status: types.StatusCompleted}, 2},
		{"device", types.RunFilter{DeviceID: "class"}, 1},
		{"date range", types.RunFilter{From: day(2), To: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)}, 2},
		{"limit", types.RunFilter{Limit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := repo.ListRuns(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, runs, tt.want)
		})
	}

	runs, err := repo.ListRuns(ctx, types.RunFilter{})
	require.NoError(t, err)
	assert.True(t, runs[0].Timestamp.After(runs[1].Timestamp))
}

func TestIndexerAndBackfill(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	root := t.TempDir()

	idx := NewIndexer(repo, nil, 4)
	_, meta := recordRun(t, root, time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC), "dada", "lab", types.StatusCompleted)
	idx.RunUpdated(meta)
	require.NoError(t, idx.Close())
	// snapshots after close are ignored
	idx.RunUpdated(meta)

	_, err := repo.GetByID(ctx, meta.RunID)
	require.NoError(t, err)

	dir, other := recordRun(t, root, time.Date(2025, 2, 2, 9, 0, 0, 0, time.UTC), "direct", "lab", types.StatusFailed)
	n, err := Backfill(ctx, repo, []string{dir, t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := repo.GetByID(ctx, other.RunID)
	require.NoError(t, err)
	assert.Equal(t, "direct", run.ConfigID)
	assert.Equal(t, other.RelDir(), run.Path)
}

// stuckRepo blocks every Upsert until release is closed.
type stuckRepo struct {
	IRunRepository
	entered chan string
	release chan struct{}

	mu       sync.Mutex
	upserted []string
}

func (r *stuckRepo) Upsert(_ context.Context, meta recorder.Metadata) error {
	r.entered <- meta.RunID
	<-r.release
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserted = append(r.upserted, meta.RunID)
	return nil
}

func TestIndexerCloseDoesNotWaitForBlockedSenders(t *testing.T) {
	repo := &stuckRepo{entered: make(chan string, 8), release: make(chan struct{})}
	idx := NewIndexer(repo, nil, 1)
	terminal := func(id string) recorder.Metadata {
		return recorder.Metadata{RunID: id, Status: types.StatusCompleted}
	}

	idx.RunUpdated(terminal("a"))
	assert.Equal(t, "a", <-repo.entered)
	idx.RunUpdated(terminal("b"))

	// the queue is full and the writer is stuck, so this sender waits
	sent := make(chan struct{})
	go func() {
		idx.RunUpdated(terminal("c"))
		close(sent)
	}()

	closed := make(chan struct{})
	go func() {
		assert.NoError(t, idx.Close())
		close(closed)
	}()

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("blocked sender was not released by Close")
	}

	late := make(chan struct{})
	go func() {
		idx.RunUpdated(recorder.Metadata{RunID: "d", Status: types.StatusRunning})
		close(late)
	}()
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("snapshot after Close blocked")
	}

	close(repo.release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the writer was released")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Subset(t, repo.upserted, []string{"a", "b"})
	assert.NotContains(t, repo.upserted, "d")
}
