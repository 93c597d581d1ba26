package recorder

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/hashutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedStart = time.Date(2025, 3, 14, 9, 30, 0, 0, time.Local)

func startRun(t *testing.T, opts ...Option) (*Recorder, string) {
	t.Helper()
	root := t.TempDir()
	opts = append([]Option{WithClock(func() time.Time { return fixedStart })}, opts...)
	r, err := Start(root, StartOptions{
		ConfigID:   "jugendsprache",
		PipelineID: "text_transformation",
		DeviceID:   "lab-01",
		Mode:       types.ModeEco,
		Level:      types.SafetyKids,
		Language:   "de",
		InputText:  "a flower in a meadow",
	}, opts...)
	require.NoError(t, err)
	return r, root
}

func TestStartLayout(t *testing.T) {
	r, root := startRun(t)

	assert.Regexp(t, regexp.MustCompile(`^run_\d+-[0-9a-f]{8}$`), r.RunID())
	want := filepath.Join(root, "json", "2025-03-14", "lab-01", r.RunID())
	assert.Equal(t, want, r.Dir())
	assert.DirExists(t, filepath.Join(want, FinalDir))
	assert.NoDirExists(t, filepath.Join(want, ProcessDir), "prompting_process is created on first use")

	m, err := ReadMetadata(r.Dir())
	require.NoError(t, err)
	assert.Equal(t, r.RunID(), m.RunID)
	assert.Equal(t, types.StatusRunning, m.Status)
	assert.Equal(t, "a flower in a meadow", m.InputText)
	assert.Equal(t, RunType, m.Type)
	assert.Empty(t, m.Entities)
	assert.Nil(t, m.CompletedAt)

	ts, ok := RunTime(r.RunID())
	require.True(t, ok)
	assert.Equal(t, fixedStart.UnixMilli(), ts.UnixMilli())
}

func TestEntitySequenceMatchesFilenames(t *testing.T) {
	r, _ := startRun(t)

	_, err := r.RecordText(1, "input", "a flower in a meadow", nil)
	require.NoError(t, err)
	_, err = r.RecordJSON(1, "safety", types.SafetyVerdict{IsSafe: true}, nil)
	require.NoError(t, err)
	_, err = r.RecordText(2, "manipulate", "ne krasse Blume", map[string]any{"model": "llama3.2:3b"})
	require.NoError(t, err)
	_, err = r.RecordText(3, "translation_en", "a cool flower", nil)
	require.NoError(t, err)
	_, err = r.RecordParameters(map[string]any{"seed": int64(42)}, map[string]any{"elapsed_ms": 1200})
	require.NoError(t, err)
	rel, err := r.RecordMedia(types.MediaImage, []byte("png-bytes"), "PNG", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("final", "06_output_image.png"), rel)
	_, err = r.RecordIntermediate(types.MediaImage, []byte("step"), "png", 3)
	require.NoError(t, err)
	require.NoError(t, r.Complete())

	m, err := ReadMetadata(r.Dir())
	require.NoError(t, err)
	require.Len(t, m.Entities, 7)

	prev := 0
	for _, e := range m.Entities {
		assert.Greater(t, e.Sequence, prev)
		prev = e.Sequence

		base := filepath.Base(e.Filename)
		prefix, _, ok := strings.Cut(base, "_")
		require.True(t, ok, base)
		n, err := strconv.Atoi(prefix)
		require.NoError(t, err)
		assert.Equal(t, e.Sequence, n, base)
		assert.FileExists(t, filepath.Join(r.Dir(), e.Filename))
	}

	assert.Equal(t, "prompting_process/003_manipulate.txt", m.Entities[2].Filename)
	assert.Equal(t, "prompting_process/007_step_03.png", m.Entities[6].Filename)
	assert.Equal(t, types.StatusCompleted, m.Status)
	require.NotNil(t, m.CompletedAt)
	require.NotNil(t, m.TotalEntities)
	assert.Equal(t, 7, *m.TotalEntities)

	chain := m.TextChain()
	require.Len(t, chain, 2)
	assert.Equal(t, "manipulate", chain[0].Type)
	assert.Equal(t, 3, chain[1].Stage())
}

func TestRecordMediaDurability(t *testing.T) {
	r, _ := startRun(t)
	payload := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}

	rel, err := r.RecordMedia(types.MediaImage, payload, "png", map[string]any{"seed": int64(7)})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(r.Dir(), rel))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	m, err := ReadMetadata(r.Dir())
	require.NoError(t, err)
	e, ok := m.PrimaryMedia(types.MediaImage)
	require.True(t, ok)
	assert.Equal(t, filepath.ToSlash(rel), e.Filename)
	assert.Equal(t, hashutil.Blake3Hash(payload), e.Metadata["blake3"])
	assert.Equal(t, float64(len(payload)), e.Metadata["size"])

	_, err = r.RecordMedia(types.MediaImage, nil, "png", nil)
	assert.ErrorIs(t, err, ErrEmptyMedia)
}

func TestFinalizeCancelledLeavesCompletedAtUnset(t *testing.T) {
	r, _ := startRun(t)
	require.NoError(t, r.Finalize(types.StatusCancelled, &types.ErrorInfo{ID: "Cancelled", Message: "cancelled by caller"}))

	m, err := ReadMetadata(r.Dir())
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, m.Status)
	assert.Nil(t, m.CompletedAt)
	assert.Equal(t, "Cancelled", m.Error.ID)

	assert.ErrorIs(t, r.Finalize(types.StatusFailed, nil), ErrFinalized)
	_, err = r.RecordText(2, "late", "x", nil)
	assert.ErrorIs(t, err, ErrFinalized)
}

func TestWriteFailureIsIOError(t *testing.T) {
	r, _ := startRun(t)
	require.NoError(t, os.RemoveAll(r.Dir()))

	_, err := r.RecordMedia(types.MediaImage, []byte("x"), "png", nil)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "write", ioErr.Op)
	assert.Empty(t, r.Metadata().Entities, "failed writes do not produce entities")
}

type captureObserver struct {
	updates []Metadata
}

func (c *captureObserver) RunUpdated(m Metadata) { c.updates = append(c.updates, m) }

func TestObserverSeesEveryWrite(t *testing.T) {
	obs := &captureObserver{}
	r, _ := startRun(t, WithObserver(obs))

	_, err := r.RecordText(2, "manipulate", "x", nil)
	require.NoError(t, err)
	require.NoError(t, r.Update(func(m *Metadata) { m.TransformedText = "x" }))
	require.NoError(t, r.Complete())

	require.Len(t, obs.updates, 4)
	assert.Equal(t, types.StatusRunning, obs.updates[0].Status)
	assert.Len(t, obs.updates[1].Entities, 1)
	assert.Equal(t, "x", obs.updates[2].TransformedText)
	assert.Equal(t, types.StatusCompleted, obs.updates[3].Status)
}

func TestReadMetadataUnreadable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run_1700000000000-deadbeef")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte("{broken"), 0o644))

	m, err := ReadMetadata(dir)
	assert.ErrorIs(t, err, ErrUnreadable)
	require.NotNil(t, m)
	assert.True(t, m.Unreadable)
	assert.Equal(t, "run_1700000000000-deadbeef", m.RunID)
}

func TestSanitizeSegment(t *testing.T) {
	assert.Equal(t, "default", SanitizeSegment(""))
	assert.Equal(t, "lab_01", SanitizeSegment("lab/01"))
	assert.Equal(t, "default", SanitizeSegment(".."))
}
