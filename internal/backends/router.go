// Package backends dispatches built chunks to the inference backends.
package backends

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"go.uber.org/zap"
)

// Executor runs one built chunk against a backend.
type Executor interface {
	Execute(ctx context.Context, chunk *chunks.BuiltChunk, opts ...ExecOption) (*Result, error)
}

type ExecOptions struct {
	// Stream receives text deltas as they arrive. The full text is still
	// returned in the Result. The channel is not closed by the backend.
	Stream chan<- string
}

type ExecOption func(*ExecOptions)

func WithStream(ch chan<- string) ExecOption {
	return func(o *ExecOptions) { o.Stream = ch }
}

func applyOptions(opts []ExecOption) ExecOptions {
	var o ExecOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Router is the Executor the orchestrator talks to. It picks the executor by
// backend kind and applies the kind's timeout.
type Router struct {
	executors map[types.BackendKind]Executor
	timeouts  config.TimeoutsConfig
	logger    *zap.Logger
}

type RouterOption func(*Router)

// WithExecutor registers or replaces the executor for kind.
func WithExecutor(kind types.BackendKind, e Executor) RouterOption {
	return func(r *Router) { r.executors[kind] = e }
}

func WithTimeouts(t config.TimeoutsConfig) RouterOption {
	return func(r *Router) { r.timeouts = t }
}

func WithLogger(l *zap.Logger) RouterOption {
	return func(r *Router) { r.logger = logger.Component(l, "router") }
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		executors: map[types.BackendKind]Executor{},
		timeouts: config.TimeoutsConfig{
			Safety:    config.DefaultSafetyTimeout,
			Transform: config.DefaultTransformTimeout,
			Image:     config.DefaultImageTimeout,
			Video:     config.DefaultVideoTimeout,
			GPU:       config.DefaultGPUTimeout,
			Download:  config.DefaultDownloadTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRouterFromConfig wires every backend kind from cfg on one shared HTTP
// client.
func NewRouterFromConfig(cfg *config.Config, l *zap.Logger) *Router {
	client := NewHTTPClient()
	b := cfg.Backends
	logger.Component(l, "router").Info("backends configured",
		zap.String("cloud_provider", cfg.CloudProvider),
		zap.Any("credentials", cfg.Secrets.Masked()))

	return NewRouter(
		WithLogger(l),
		WithTimeouts(*b.Timeouts),
		WithExecutor(types.BackendLocal, NewLocalLLM(b.LocalLLMURL, client, l)),
		WithExecutor(types.BackendCloud, NewCloudLLM(b.CloudLLMURL, cfg.CloudKey(), client)),
		WithExecutor(types.BackendGPUService, NewGPUService(b.GPUServiceURL, client, l)),
		WithExecutor(types.BackendWorkflow, NewWorkflow(b.WorkflowURL, client, l)),
		WithExecutor(types.BackendDirectAPI, NewDirectAPI(b.DirectImageURL, directKey(cfg), client, b.Timeouts.Download)),
		WithExecutor(types.BackendPyCode, NewPyCode(nil)),
	)
}

func directKey(cfg *config.Config) string {
	if cfg.Secrets == nil {
		return ""
	}
	return cfg.Secrets.OpenAI
}

// Execute dispatches chunk. Passthrough chunks never reach a backend.
func (r *Router) Execute(ctx context.Context, chunk *chunks.BuiltChunk, opts ...ExecOption) (*Result, error) {
	if chunk.Passthrough {
		return &Result{Kind: ResultText, Text: chunk.PromptText, Metadata: map[string]any{"passthrough": true}}, nil
	}

	kind := chunk.BackendKind
	exec, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, ErrUnknownKind)
	}

	timeout := r.TimeoutFor(chunk)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := exec.Execute(callCtx, chunk, opts...)
	elapsed := time.Since(start)

	if err != nil {
		err = classify(callCtx, kind, "", timeout, err)
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		r.logger.Warn("backend call failed",
			zap.String("chunk", chunk.Name),
			zap.String("backend", string(kind)),
			zap.String("model", chunk.ModelID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	res.Elapsed = elapsed
	if res.SourceModel == "" {
		res.SourceModel = chunk.ModelID
	}
	res.normalize(chunk.MediaKind, chunk.OutputFormat)

	r.logger.Debug("backend call finished",
		zap.String("chunk", chunk.Name),
		zap.String("backend", string(kind)),
		zap.String("model", res.SourceModel),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// TimeoutFor returns the per-kind call timeout for chunk.
func (r *Router) TimeoutFor(chunk *chunks.BuiltChunk) time.Duration {
	switch chunk.BackendKind {
	case types.BackendLocal, types.BackendCloud, types.BackendLLM:
		if chunk.Role == RoleSafety {
			return r.timeouts.Safety
		}
		return r.timeouts.Transform
	case types.BackendGPUService:
		return r.timeouts.GPU
	case types.BackendWorkflow, types.BackendDirectAPI:
		if chunk.MediaKind == types.MediaVideo {
			return r.timeouts.Video
		}
		return r.timeouts.Image
	}
	return r.timeouts.Transform
}

// RoleSafety marks chunks built by the safety gate.
const RoleSafety = "safety"

var _ Executor = (*Router)(nil)

// statusOK reports whether an HTTP status is a success.
func statusOK(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}
