// Package pipeline drives a request through the four stages: input safety,
// transformation, normalization and output generation.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/backends"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/events"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/safety"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/schemas"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"go.uber.org/zap"
)

const DefaultLanguage = "de"

// FinishHook runs after a run folder has been finalized.
type FinishHook func(dir string, meta recorder.Metadata)

type Orchestrator struct {
	loader      *schemas.Loader
	builder     *chunks.Builder
	exec        backends.Executor
	gate        *safety.Gate
	models      *ModelTable
	vram        VRAMProbe
	exportsRoot string
	deviceID    string
	language    string
	keepAlive   string
	publisher   events.Publisher
	observers   []recorder.Observer
	hooks       []FinishHook
	logger      *zap.Logger

	active sync.Map
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger.Component(l, "orchestrator") }
}

func WithBuilder(b *chunks.Builder) Option {
	return func(o *Orchestrator) { o.builder = b }
}

func WithModelTable(t *ModelTable) Option {
	return func(o *Orchestrator) { o.models = t }
}

func WithVRAMProbe(p VRAMProbe) Option {
	return func(o *Orchestrator) { o.vram = p }
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithRecorderObserver is attached to every run's recorder.
func WithRecorderObserver(obs recorder.Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

func WithFinishHook(h FinishHook) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.hooks = append(o.hooks, h)
		}
	}
}

func WithDeviceID(id string) Option {
	return func(o *Orchestrator) { o.deviceID = id }
}

func WithLanguage(lang string) Option {
	return func(o *Orchestrator) { o.language = lang }
}

// WithKeepAlive is the hint passed to the local LLM server after each call.
func WithKeepAlive(v string) Option {
	return func(o *Orchestrator) { o.keepAlive = v }
}

type unknownVRAM struct{}

func (unknownVRAM) VRAM(context.Context) (float64, error) {
	return 0, fmt.Errorf("%w: no probe configured", ErrProbeFailed)
}

func New(loader *schemas.Loader, exec backends.Executor, gate *safety.Gate, exportsRoot string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		loader:      loader,
		exec:        exec,
		gate:        gate,
		vram:        unknownVRAM{},
		exportsRoot: exportsRoot,
		deviceID:    config.DefaultDeviceID,
		language:    DefaultLanguage,
		publisher:   events.Nop{},
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.builder == nil {
		o.builder = chunks.NewBuilder(loader)
	}
	if o.models == nil {
		o.models, _ = NewModelTable("", nil)
	}
	return o
}

type runOptions struct {
	onStart func(runID string)
}

type RunOption func(*runOptions)

// WithOnStart is called with the run id once the run folder exists and
// before Stage 1 begins.
func WithOnStart(f func(runID string)) RunOption {
	return func(o *runOptions) { o.onStart = f }
}

// Execute accepts req and runs it to completion.
func (o *Orchestrator) Execute(ctx context.Context, req types.RunRequest, opts ...RunOption) (*types.RunResponse, error) {
	plan, err := o.Accept(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, plan, opts...)
}

// Run executes an accepted plan. Failures inside the stages end up in the
// response status; an error is only returned when the run folder could not
// be created.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan, opts ...RunOption) (*types.RunResponse, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recOpts := []recorder.Option{recorder.WithLogger(o.logger)}
	for _, obs := range o.observers {
		recOpts = append(recOpts, recorder.WithObserver(obs))
	}
	rec, err := recorder.Start(o.exportsRoot, recorder.StartOptions{
		ConfigID:   plan.Config.ID,
		PipelineID: plan.Config.Pipeline.Name,
		DeviceID:   plan.DeviceID,
		UserID:     plan.UserID,
		Mode:       plan.Mode,
		Level:      plan.Level,
		Language:   plan.Language,
		InputText:  plan.Prompt,
	}, recOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	runID := rec.RunID()
	o.active.Store(runID, cancel)
	defer o.active.Delete(runID)

	r := &run{
		o:      o,
		plan:   plan,
		rec:    rec,
		ec:     newExecutionContext(plan),
		logger: o.logger.With(zap.String("run_id", runID)),
	}
	r.update(func(m *recorder.Metadata) { m.OutputConfig = plan.Output.ID })

	if ro.onStart != nil {
		ro.onStart(runID)
	}
	r.logger.Info("run started",
		zap.String("config", plan.Config.ID),
		zap.String("output", plan.Output.ID),
		zap.String("mode", string(plan.Mode)),
		zap.String("level", string(plan.Level)))

	runErr := r.execute(ctx)
	status := r.finish(ctx, runErr)
	resp := r.response(status, runErr)

	closing := events.New(runID, events.TerminalFor(status))
	closing.Status = status
	closing.Error = resp.Error
	closing.Verdict = resp.Verdict
	closing.Seed = resp.UsedSeed
	r.publish(ctx, closing)

	meta := rec.Metadata()
	for _, h := range o.hooks {
		h(rec.Dir(), meta)
	}
	return resp, nil
}

// Cancel trips the cancellation of a run in progress.
func (o *Orchestrator) Cancel(runID string) error {
	v, ok := o.active.Load(runID)
	if !ok {
		return fmt.Errorf("%s: %w", runID, ErrUnknownRun)
	}
	v.(context.CancelFunc)()
	return nil
}

// Active reports whether runID is still executing.
func (o *Orchestrator) Active(runID string) bool {
	_, ok := o.active.Load(runID)
	return ok
}

// MediaURL is the route the HTTP surface serves a run's primary media on.
func MediaURL(kind types.MediaKind, runID string) string {
	return fmt.Sprintf("/media/%s/%s", kind.ServedAs(), runID)
}
