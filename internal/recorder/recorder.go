// Package recorder materializes a run to its folder as it happens.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/hashutil"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/randutil"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"go.uber.org/zap"
)

// Observer is notified with a snapshot after every successful metadata write.
type Observer interface {
	RunUpdated(meta Metadata)
}

type StartOptions struct {
	ConfigID   string
	PipelineID string
	DeviceID   string
	UserID     string
	Mode       types.ExecutionMode
	Level      types.SafetyLevel
	Language   string
	InputText  string
}

type Option func(*Recorder)

func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) { r.logger = logger.Component(l, "recorder") }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithObserver(o Observer) Option {
	return func(r *Recorder) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// Recorder owns one run folder. It is meant for a single owner; writes are
// still serialized so metadata always matches the files on disk.
type Recorder struct {
	mu sync.Mutex

	root      string
	dir       string
	meta      Metadata
	entitySeq int
	promptSeq int
	finalized bool

	now       func() time.Time
	logger    *zap.Logger
	observers []Observer
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeSegment makes s safe as a single path segment.
func SanitizeSegment(s string) string {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "default"
	}
	return s
}

// NewRunID returns a run id of the form run_<ms-epoch>-<8 hex>.
func NewRunID(now time.Time) (string, error) {
	suffix, err := randutil.RandomHex(4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d-%s", runIDPrefix, now.UnixMilli(), suffix), nil
}

// RunTime recovers the start time encoded in a run id.
func RunTime(runID string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(runID, runIDPrefix)
	if !ok {
		return time.Time{}, false
	}
	msPart, _, ok := strings.Cut(rest, "-")
	if !ok {
		return time.Time{}, false
	}
	var ms int64
	if _, err := fmt.Sscanf(msPart, "%d", &ms); err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// IsRunID reports whether name looks like a run folder.
func IsRunID(name string) bool {
	_, ok := RunTime(name)
	return ok
}

// Start creates exports/json/<date>/<device>/<run_id>/ with its final/
// folder and writes the initial metadata.json.
func Start(exportsRoot string, o StartOptions, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		root:   exportsRoot,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	started := r.now()
	runID, err := NewRunID(started)
	if err != nil {
		return nil, fmt.Errorf("failed to mint run id: %w", err)
	}

	device := SanitizeSegment(o.DeviceID)
	r.dir = filepath.Join(exportsRoot, JSONExports, started.Format(time.DateOnly), device, runID)
	if err := os.MkdirAll(filepath.Join(r.dir, FinalDir), 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: r.dir, Err: err}
	}

	r.meta = Metadata{
		RunID:         runID,
		Timestamp:     started,
		Type:          RunType,
		ConfigID:      o.ConfigID,
		PipelineID:    o.PipelineID,
		ExecutionMode: o.Mode,
		SafetyLevel:   o.Level,
		InputText:     o.InputText,
		Language:      o.Language,
		DeviceID:      device,
		UserID:        o.UserID,
		Entities:      []Entity{},
		Status:        types.StatusRunning,
	}

	r.logger = r.logger.With(zap.String("run_id", runID))
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) RunID() string { return r.meta.RunID }

// Dir is the absolute run folder.
func (r *Recorder) Dir() string { return r.dir }

// Metadata returns a snapshot of the current metadata.
func (r *Recorder) Metadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta.Clone()
}

// LastEntity returns the most recently recorded entity.
func (r *Recorder) LastEntity() (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.meta.Entities) == 0 {
		return Entity{}, false
	}
	return r.meta.Entities[len(r.meta.Entities)-1], true
}

// Update applies f to the metadata and persists it.
func (r *Recorder) Update(f func(m *Metadata)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.meta)
	return r.persistLocked()
}

// RecordText writes prompting_process/NNN_<role>.txt and appends its entity.
func (r *Recorder) RecordText(stage int, role, text string, extra map[string]any) (string, error) {
	meta := mergeMeta(extra, map[string]any{"stage": stage, "role": role, "chars": len([]rune(text))})
	return r.recordProcessFile(role, "txt", []byte(text), meta)
}

// RecordJSON writes prompting_process/NNN_<role>.json.
func (r *Recorder) RecordJSON(stage int, role string, v any, extra map[string]any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", role, err)
	}
	meta := mergeMeta(extra, map[string]any{"stage": stage, "role": role})
	return r.recordProcessFile(role, "json", data, meta)
}

// RecordParameters dumps the exact generator parameters plus what the
// backend reported back (seed, timing).
func (r *Recorder) RecordParameters(params, results map[string]any) (string, error) {
	doc := map[string]any{"parameters": params, "results": results}
	return r.RecordJSON(4, "parameters", doc, nil)
}

// RecordMedia writes final/NN_output_<kind>.<ext> and returns its path
// relative to the run folder.
func (r *Recorder) RecordMedia(kind types.MediaKind, data []byte, format string, extra map[string]any) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyMedia
	}
	format = normalizeFormat(format)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return "", ErrFinalized
	}

	seq := r.entitySeq + 1
	rel := filepath.Join(FinalDir, fmt.Sprintf("%02d_output_%s.%s", seq, kind, format))
	meta := mergeMeta(extra, map[string]any{
		"stage":      4,
		"media_kind": string(kind),
		"format":     format,
		"size":       len(data),
		"blake3":     hashutil.Blake3Hash(data),
	})
	if err := r.writeEntityLocked(seq, "output_"+string(kind), rel, data, meta); err != nil {
		return "", err
	}
	return rel, nil
}

// RecordIntermediate writes prompting_process/NNN_step_MM.<ext> for
// snapshots produced during generation.
func (r *Recorder) RecordIntermediate(kind types.MediaKind, data []byte, format string, stepIndex int) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyMedia
	}
	format = normalizeFormat(format)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return "", ErrFinalized
	}
	if err := r.ensureProcessDirLocked(); err != nil {
		return "", err
	}

	seq := r.entitySeq + 1
	rel := filepath.Join(ProcessDir, fmt.Sprintf("%03d_step_%02d.%s", seq, stepIndex, format))
	meta := map[string]any{
		"stage":              4,
		"media_kind":         string(kind),
		"step":               stepIndex,
		"prompting_sequence": r.promptSeq + 1,
		"blake3":             hashutil.Blake3Hash(data),
	}
	if err := r.writeEntityLocked(seq, "intermediate_"+string(kind), rel, data, meta); err != nil {
		return "", err
	}
	r.promptSeq++
	return rel, nil
}

func (r *Recorder) recordProcessFile(role, ext string, data []byte, meta map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return "", ErrFinalized
	}
	if err := r.ensureProcessDirLocked(); err != nil {
		return "", err
	}

	seq := r.entitySeq + 1
	meta["prompting_sequence"] = r.promptSeq + 1
	rel := filepath.Join(ProcessDir, fmt.Sprintf("%03d_%s.%s", seq, SanitizeSegment(role), ext))
	if err := r.writeEntityLocked(seq, role, rel, data, meta); err != nil {
		return "", err
	}
	r.promptSeq++
	return rel, nil
}

func (r *Recorder) ensureProcessDirLocked() error {
	dir := filepath.Join(r.dir, ProcessDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return r.logIOError(&IOError{Op: "mkdir", Path: dir, Err: err})
	}
	return nil
}

// writeEntityLocked writes the file, appends the entity and persists the
// metadata inside one critical section. A failed file write leaves the
// sequence untouched.
func (r *Recorder) writeEntityLocked(seq int, typ, rel string, data []byte, meta map[string]any) error {
	path := filepath.Join(r.dir, rel)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return r.logIOError(&IOError{Op: "write", Path: path, Err: err})
	}

	r.entitySeq = seq
	r.meta.Entities = append(r.meta.Entities, Entity{
		Sequence:  seq,
		Type:      typ,
		Filename:  filepath.ToSlash(rel),
		Timestamp: r.now(),
		Metadata:  meta,
	})
	return r.persistLocked()
}

// Complete marks the run completed.
func (r *Recorder) Complete() error {
	return r.Finalize(types.StatusCompleted, nil)
}

// Finalize writes the terminal status. Cancelled runs keep completed_at
// unset; every other terminal status stamps it with the entity total.
func (r *Recorder) Finalize(status types.RunStatus, info *types.ErrorInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	r.finalized = true

	r.meta.Status = status
	r.meta.Error = info
	total := len(r.meta.Entities)
	r.meta.TotalEntities = &total
	if status != types.StatusCancelled {
		at := r.now()
		r.meta.CompletedAt = &at
	}

	r.logger.Info("run finalized", zap.String("status", string(status)), zap.Int("entities", total))
	return r.persistLocked()
}

// persistLocked writes metadata.json, retrying once.
func (r *Recorder) persistLocked() error {
	path := filepath.Join(r.dir, MetadataFile)
	data, err := json.MarshalIndent(&r.meta, "", "  ")
	if err != nil {
		return r.logIOError(&IOError{Op: "encode", Path: path, Err: err})
	}

	if err = atomicWriteFile(path, data, metadataPerm); err != nil {
		r.logger.Warn("metadata write failed, retrying", zap.Error(err))
		err = atomicWriteFile(path, data, metadataPerm)
	}
	if err != nil {
		return r.logIOError(&IOError{Op: "write", Path: path, Err: err})
	}

	if len(r.observers) > 0 {
		snapshot := r.meta.Clone()
		for _, o := range r.observers {
			o.RunUpdated(snapshot)
		}
	}
	return nil
}

func (r *Recorder) logIOError(err *IOError) error {
	r.logger.Error("recorder write failed", zap.String("op", err.Op), zap.String("path", err.Path), zap.Error(err.Err))
	return err
}

func mergeMeta(extra, base map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+len(base))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range base {
		out[k] = v
	}
	return out
}

func normalizeFormat(format string) string {
	format = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
	switch format {
	case "":
		return "bin"
	case "jpeg":
		return "jpg"
	}
	return format
}
