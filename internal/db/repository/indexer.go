package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"go.uber.org/zap"
)

const (
	DefaultIndexBuffer  = 256
	defaultWriteTimeout = 5 * time.Second
)

// Indexer mirrors recorder snapshots into the run index off the run's
// goroutine. Intermediate snapshots may be dropped when the queue is full;
// terminal ones are only dropped once the indexer is closed.
type Indexer struct {
	repo   IRunRepository
	queue  chan recorder.Metadata
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

func NewIndexer(repo IRunRepository, l *zap.Logger, buffer int) *Indexer {
	if buffer <= 0 {
		buffer = DefaultIndexBuffer
	}
	i := &Indexer{
		repo:   repo,
		queue:  make(chan recorder.Metadata, buffer),
		logger: logger.Component(l, "indexer"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go i.loop()
	return i
}

// RunUpdated never holds the lock while it waits for queue space.
func (i *Indexer) RunUpdated(meta recorder.Metadata) {
	i.mu.RLock()
	closed := i.closed
	i.mu.RUnlock()
	if closed {
		return
	}

	if meta.Status.Terminal() {
		select {
		case i.queue <- meta:
		case <-i.stop:
			i.logger.Warn("indexer closed, terminal snapshot dropped", zap.String("run_id", meta.RunID))
		}
		return
	}
	select {
	case i.queue <- meta:
	default:
		i.logger.Debug("index queue full, snapshot dropped", zap.String("run_id", meta.RunID))
	}
}

func (i *Indexer) loop() {
	defer close(i.done)
	for {
		select {
		case meta := <-i.queue:
			i.index(meta)
		case <-i.stop:
			for {
				select {
				case meta := <-i.queue:
					i.index(meta)
				default:
					return
				}
			}
		}
	}
}

func (i *Indexer) index(meta recorder.Metadata) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := i.repo.Upsert(ctx, meta); err != nil {
		i.logger.Warn("failed to index run", zap.String("run_id", meta.RunID), zap.Error(err))
	}
}

// Close stops accepting snapshots and waits for the queue to drain.
func (i *Indexer) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	close(i.stop)
	i.mu.Unlock()

	<-i.done
	return nil
}

// Backfill indexes existing run folders, for instance after `db init`.
// Unreadable folders are skipped.
func Backfill(ctx context.Context, repo IRunRepository, dirs []string, l *zap.Logger) (int, error) {
	l = logger.Component(l, "indexer")
	n := 0
	var errs []error
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		meta, err := recorder.ReadMetadata(dir)
		if err != nil {
			l.Warn("skipping run folder", zap.String("dir", dir), zap.Error(err))
			continue
		}
		if err := repo.Upsert(ctx, *meta); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

var _ recorder.Observer = (*Indexer)(nil)
