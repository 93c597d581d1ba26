// Package mediastore is the read-only view over recorded runs.
package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/models"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/pathutil"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"go.uber.org/zap"
)

// UnreadableMarker is dropped into run folders whose metadata.json cannot be
// parsed. Nothing is deleted.
const UnreadableMarker = ".unreadable"

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrMediaNotFound = errors.New("media not found")
	ErrInvalidRunID  = errors.New("invalid run id")
)

const indexLookupTimeout = 2 * time.Second

// Index answers list_runs and run lookups without scanning the filesystem.
type Index interface {
	ListRuns(ctx context.Context, f types.RunFilter) ([]types.RunSummary, error)
	GetByID(ctx context.Context, id string) (*models.Run, error)
	DeleteByID(ctx context.Context, id string) error
}

type Store struct {
	root   string
	index  Index
	logger *zap.Logger
}

type Option func(*Store)

func WithIndex(idx Index) Option {
	return func(s *Store) { s.index = idx }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logger.Component(l, "mediastore") }
}

// New serves runs below exportsRoot/json.
func New(exportsRoot string, opts ...Option) *Store {
	s := &Store{root: exportsRoot, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) jsonRoot() string {
	return filepath.Join(s.root, recorder.JSONExports)
}

// Locate finds the folder of runID. The index is asked first. Without an
// answer there, the date bucket is derived from the id and neighbouring days
// are tried for runs recorded across a timezone change.
func (s *Store) Locate(runID string) (string, error) {
	if !recorder.IsRunID(runID) || filepath.Base(runID) != runID {
		return "", fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	if dir, ok := s.locateIndexed(runID); ok {
		return dir, nil
	}
	ts, _ := recorder.RunTime(runID)

	for _, offset := range []int{0, -1, 1} {
		day := ts.AddDate(0, 0, offset).Format(time.DateOnly)
		matches, err := filepath.Glob(filepath.Join(s.jsonRoot(), day, "*", runID))
		if err != nil {
			return "", err
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.IsDir() {
				return m, nil
			}
		}
	}

	var found string
	err := filepath.WalkDir(s.jsonRoot(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && d.Name() == runID {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return found, nil
}

// locateIndexed resolves runID through the index. A row whose folder is
// gone is removed.
func (s *Store) locateIndexed(runID string) (string, bool) {
	if s.index == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), indexLookupTimeout)
	defer cancel()

	run, err := s.index.GetByID(ctx, runID)
	if err != nil {
		return "", false
	}
	dir := filepath.Join(s.root, filepath.FromSlash(run.Path))
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, true
	}

	s.logger.Info("dropping index row of missing run folder", zap.String("run_id", runID), zap.String("path", run.Path))
	if err := s.index.DeleteByID(ctx, runID); err != nil {
		s.logger.Warn("failed to drop index row", zap.String("run_id", runID), zap.Error(err))
	}
	return "", false
}

// GetMetadata reads the run's metadata.json. Corrupt files are marked and
// reported with recorder.ErrUnreadable next to the partial metadata.
func (s *Store) GetMetadata(runID string) (*recorder.Metadata, error) {
	dir, err := s.Locate(runID)
	if err != nil {
		return nil, err
	}
	return s.read(dir)
}

func (s *Store) read(dir string) (*recorder.Metadata, error) {
	m, err := recorder.ReadMetadata(dir)
	if errors.Is(err, recorder.ErrUnreadable) {
		s.markUnreadable(dir)
		return m, err
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s has no metadata", ErrRunNotFound, filepath.Base(dir))
	}
	return m, err
}

func (s *Store) markUnreadable(dir string) {
	marker := filepath.Join(dir, UnreadableMarker)
	if _, err := os.Stat(marker); err == nil {
		return
	}
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		s.logger.Warn("failed to mark run unreadable", zap.String("dir", dir), zap.Error(err))
		return
	}
	s.logger.Warn("run metadata unreadable", zap.String("dir", dir))
}

// GetMediaPath resolves filename inside the run folder. Paths escaping the
// folder are rejected.
func (s *Store) GetMediaPath(runID, filename string) (string, error) {
	dir, err := s.Locate(runID)
	if err != nil {
		return "", err
	}
	path, err := pathutil.SafeJoin(dir, filepath.FromSlash(filename))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMediaNotFound, filename)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrMediaNotFound, filename)
	}
	return path, nil
}

// PrimaryMedia returns the path and entity of the run's first output of kind.
func (s *Store) PrimaryMedia(runID string, kind types.MediaKind) (string, *recorder.Entity, error) {
	m, err := s.GetMetadata(runID)
	if err != nil {
		return "", nil, err
	}
	e, ok := m.PrimaryMedia(kind)
	if !ok {
		return "", nil, fmt.Errorf("%w: run %s has no %s output", ErrMediaNotFound, runID, kind)
	}
	path, err := s.GetMediaPath(runID, e.Filename)
	if err != nil {
		return "", nil, err
	}
	return path, e, nil
}

// ListRuns answers from the index when there is one, otherwise scans the
// date buckets. Results are newest first.
func (s *Store) ListRuns(ctx context.Context, f types.RunFilter) ([]types.RunSummary, error) {
	if s.index != nil {
		runs, err := s.index.ListRuns(ctx, f)
		if err == nil {
			return runs, nil
		}
		s.logger.Warn("run index failed, scanning folders", zap.Error(err))
	}
	return s.scan(ctx, f)
}

func (s *Store) scan(ctx context.Context, f types.RunFilter) ([]types.RunSummary, error) {
	dirs, err := s.RunDirs()
	if err != nil {
		return nil, err
	}

	var out []types.RunSummary
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ts, ok := recorder.RunTime(filepath.Base(dir)); ok {
			if !f.From.IsZero() && ts.Before(f.From.AddDate(0, 0, -1)) {
				continue
			}
		}

		m, err := s.read(dir)
		if err != nil && m == nil {
			continue
		}
		sum := m.Summary(dir)
		if !f.Match(sum) {
			continue
		}
		out = append(out, sum)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// RunDirs lists every run folder in the date-bucketed layout.
func (s *Store) RunDirs() ([]string, error) {
	pattern := filepath.Join(s.jsonRoot(), "*", "*", "*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	dirs := matches[:0]
	for _, m := range matches {
		if !recorder.IsRunID(filepath.Base(m)) {
			continue
		}
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			dirs = append(dirs, m)
		}
	}
	return dirs, nil
}
