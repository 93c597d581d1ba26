// Package worker mirrors finished run folders into archive storage.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/services/filestorage"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/hashutil"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"
)

var ErrChecksumMismatch = errors.New("file does not match its recorded checksum")

type Archiver struct {
	wp      *workerpool.WorkerPool
	storage filestorage.FileStorage
	logger  *zap.Logger

	mu      sync.Mutex
	stopped bool
}

func NewArchiver(storage filestorage.FileStorage, maxWorkers int, l *zap.Logger) *Archiver {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Archiver{
		wp:      workerpool.New(maxWorkers),
		storage: storage,
		logger:  logger.Component(l, "archive"),
	}
}

// Hook queues a completed run folder for upload. Its signature matches
// pipeline.FinishHook. Runs in any other terminal status stay local, as do
// runs whose media no longer match their recorded checksums.
func (a *Archiver) Hook(dir string, meta recorder.Metadata) {
	if meta.Status != types.StatusCompleted {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.wp.Submit(func() {
		if err := Verify(dir, meta); err != nil {
			a.logger.Error("run not archived", zap.String("run_id", meta.RunID), zap.Error(err))
			return
		}
		n, err := a.Archive(context.Background(), dir, filepath.ToSlash(meta.RelDir()))
		if err != nil {
			a.logger.Error("archive failed", zap.String("run_id", meta.RunID), zap.Error(err))
			return
		}
		a.logger.Info("run archived", zap.String("run_id", meta.RunID), zap.Int("files", n))
	})
}

// Archive uploads every file under dir with keys prefixed by prefix.
func (a *Archiver) Archive(ctx context.Context, dir, prefix string) (int, error) {
	var files []filestorage.FileInfo
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, filestorage.NewFileInfo(path.Join(prefix, filepath.ToSlash(rel)), content))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read run folder %s: %w", dir, err)
	}

	uploaded, err := a.storage.UploadMultiple(ctx, files)
	return len(uploaded), err
}

// Verify rehashes every entity that carries a blake3 checksum.
func Verify(dir string, meta recorder.Metadata) error {
	for _, e := range meta.Entities {
		want, ok := e.Metadata["blake3"].(string)
		if !ok || want == "" {
			continue
		}
		got, err := hashutil.Blake3File(filepath.Join(dir, filepath.FromSlash(e.Filename)))
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", e.Filename, err)
		}
		if got != want {
			return fmt.Errorf("%s: %w", e.Filename, ErrChecksumMismatch)
		}
	}
	return nil
}

// Stop waits for queued uploads to finish.
func (a *Archiver) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.wp.StopWait()
}
