// Package legacy moves run folders written before the date-bucketed layout
// into exports/json/<date>/legacy_<YYYYMMDD>/<name>/.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// SyncThreshold is the largest backlog migrated before startup continues.
	SyncThreshold  = 50
	DefaultWorkers = 4
	bucketPrefix   = "legacy_"
)

var ErrTargetExists = errors.New("migration target already exists")

// Candidate is one folder waiting to be moved.
type Candidate struct {
	Name   string
	Source string
	Target string
	Date   time.Time
	// FromMetadata is false when the date came from the folder mtime.
	FromMetadata bool
}

type Report struct {
	Moved   int
	Skipped int
	Failed  int
}

type Option func(*Migrator)

func WithLogger(l *zap.Logger) Option {
	return func(m *Migrator) { m.logger = logger.Component(l, "legacy") }
}

func WithWorkers(n int) Option {
	return func(m *Migrator) {
		if n > 0 {
			m.workers = n
		}
	}
}

func WithThreshold(n int) Option {
	return func(m *Migrator) { m.threshold = n }
}

// WithProgress is called after every folder with the running count.
func WithProgress(f func(done, total int)) Option {
	return func(m *Migrator) { m.progress = f }
}

type Migrator struct {
	root      string
	workers   int
	threshold int
	progress  func(done, total int)
	logger    *zap.Logger
}

func New(exportsRoot string, opts ...Option) *Migrator {
	m := &Migrator{
		root:      filepath.Join(exportsRoot, recorder.JSONExports),
		workers:   DefaultWorkers,
		threshold: SyncThreshold,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scan lists the direct children of exports/json that are not date buckets.
func (m *Migrator) Scan() ([]Candidate, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", m.root, err)
	}

	var out []Candidate
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || isDateBucket(e.Name()) {
			continue
		}
		src := filepath.Join(m.root, e.Name())
		date, fromMeta := inferDate(src)
		day := date.Format(time.DateOnly)
		out = append(out, Candidate{
			Name:         e.Name(),
			Source:       src,
			Target:       filepath.Join(m.root, day, bucketPrefix+date.Format("20060102"), e.Name()),
			Date:         date,
			FromMetadata: fromMeta,
		})
	}
	return out, nil
}

// Migrate moves every candidate and waits for the result.
func (m *Migrator) Migrate(ctx context.Context) (Report, error) {
	candidates, err := m.Scan()
	if err != nil {
		return Report{}, err
	}
	return m.move(ctx, candidates)
}

// Job is a migration started by Start.
type Job struct {
	Total int
	Async bool

	done   chan struct{}
	report Report
	err    error
}

// Wait blocks until the migration has finished.
func (j *Job) Wait() (Report, error) {
	<-j.done
	return j.report, j.err
}

// Start migrates synchronously when the backlog is at most the threshold
// and in the background otherwise.
func (m *Migrator) Start(ctx context.Context) (*Job, error) {
	candidates, err := m.Scan()
	if err != nil {
		return nil, err
	}
	job := &Job{Total: len(candidates), done: make(chan struct{})}
	if len(candidates) == 0 {
		close(job.done)
		return job, nil
	}

	if len(candidates) <= m.threshold {
		job.report, job.err = m.move(ctx, candidates)
		close(job.done)
		return job, nil
	}

	job.Async = true
	m.logger.Info("migrating legacy folders in the background", zap.Int("folders", len(candidates)))
	go func() {
		defer close(job.done)
		job.report, job.err = m.move(context.WithoutCancel(ctx), candidates)
	}()
	return job, nil
}

func (m *Migrator) move(ctx context.Context, candidates []Candidate) (Report, error) {
	var (
		moved, skipped, failed, done atomic.Int64
		mu                           sync.Mutex
		errs                         []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, c := range candidates {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			err := moveOne(c)
			switch {
			case err == nil:
				moved.Add(1)
				m.logger.Info("legacy folder migrated", zap.String("from", c.Source), zap.String("to", c.Target), zap.Bool("from_metadata", c.FromMetadata))
			case errors.Is(err, ErrTargetExists):
				skipped.Add(1)
				m.logger.Warn("legacy folder left in place", zap.String("folder", c.Source), zap.Error(err))
			default:
				failed.Add(1)
				m.logger.Error("failed to migrate legacy folder", zap.String("folder", c.Source), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			if m.progress != nil {
				m.progress(int(done.Add(1)), len(candidates))
			}
			return nil
		})
	}
	waitErr := g.Wait()

	report := Report{Moved: int(moved.Load()), Skipped: int(skipped.Load()), Failed: int(failed.Load())}
	if waitErr != nil {
		return report, waitErr
	}
	return report, errors.Join(errs...)
}

// moveOne never overwrites and never deletes.
func moveOne(c Candidate) error {
	if _, err := os.Stat(c.Target); err == nil {
		return fmt.Errorf("%s: %w", c.Target, ErrTargetExists)
	}
	if err := os.MkdirAll(filepath.Dir(c.Target), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(c.Target), err)
	}
	if err := os.Rename(c.Source, c.Target); err != nil {
		return fmt.Errorf("failed to move %s: %w", c.Source, err)
	}
	return nil
}

func isDateBucket(name string) bool {
	_, err := time.Parse(time.DateOnly, name)
	return err == nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// inferDate reads the timestamp of the folder's metadata.json and falls
// back to the folder mtime.
func inferDate(dir string) (time.Time, bool) {
	if data, err := os.ReadFile(filepath.Join(dir, recorder.MetadataFile)); err == nil {
		var doc struct {
			Timestamp string `json:"timestamp"`
		}
		if json.Unmarshal(data, &doc) == nil && doc.Timestamp != "" {
			for _, layout := range timestampLayouts {
				if t, err := time.Parse(layout, doc.Timestamp); err == nil {
					return t, true
				}
			}
		}
	}
	if info, err := os.Stat(dir); err == nil {
		return info.ModTime(), false
	}
	return time.Now(), false
}
