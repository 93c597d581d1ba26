package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/backends"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/events"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/safety"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/schemas"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"go.uber.org/zap"
)

// run is the state of one execution. It is owned by a single goroutine.
type run struct {
	o      *Orchestrator
	plan   *Plan
	rec    *recorder.Recorder
	ec     *ExecutionContext
	logger *zap.Logger
}

func (r *run) execute(ctx context.Context) error {
	for _, stage := range []func(context.Context) error{r.stage1, r.stage2, r.stage3, r.stage4} {
		if err := stage(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) begin(ctx context.Context, stage int) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	r.ec.advance(stage)
	ev := events.New(r.rec.RunID(), events.StageStarted)
	ev.Stage = stage
	r.publish(ctx, ev)
	return nil
}

func (r *run) stage1(ctx context.Context) error {
	if err := r.begin(ctx, 1); err != nil {
		return err
	}
	r.recordText(1, "input", r.ec.UserInput, nil)

	verdict, err := r.o.gate.CheckInput(ctx, r.ec.UserInput, r.ec.Level, r.ec.Mode, r.ec.Language)
	if err != nil {
		return fmt.Errorf("input safety check: %w", err)
	}
	r.ec.Verdict = verdict
	r.recordJSON(1, "safety", verdict, map[string]any{"level": string(r.ec.Level)})
	r.update(func(m *recorder.Metadata) { m.Safety = verdict })

	if !verdict.IsSafe {
		r.logger.Info("input refused", zap.Strings("codes", verdict.Codes))
		return &safety.RejectedError{Stage: 1, Verdict: verdict}
	}
	return nil
}

func (r *run) stage2(ctx context.Context) error {
	if err := r.begin(ctx, 2); err != nil {
		return err
	}
	cfg := r.plan.Config
	prev := r.ec.UserInput

	if cfg.SkipStage2() || !cfg.Pipeline.Participates(2) || len(cfg.Steps) == 0 {
		r.recordText(2, "stage2_passthrough", prev, map[string]any{"skipped": true})
	} else {
		for i, step := range cfg.Steps {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			cctx := r.ec.chunkContext(2, prev, r.plan.Models[RoleOf(step.Chunk, 2)], r.o.keepAlive)
			built, err := r.o.builder.BuildStep(step, cfg, cctx)
			if err != nil {
				return fmt.Errorf("stage 2 %s: %w", step.ChunkName, err)
			}
			text, st, err := r.textStep(ctx, 2, i, built, prev)
			if err != nil {
				return err
			}
			r.recordText(2, "stage2_"+built.Name, text, textMeta(built, st, i))
			prev = text
		}
	}

	r.ec.TextOutputs[2] = prev
	r.ec.PreviousOutput = prev
	r.update(func(m *recorder.Metadata) { m.TransformedText = prev })
	return nil
}

func (r *run) stage3(ctx context.Context) error {
	chunk := r.plan.Stage3
	if chunk == nil {
		return nil
	}
	if err := r.begin(ctx, 3); err != nil {
		return err
	}

	input := r.ec.TextOutputs[2]
	cctx := r.ec.chunkContext(3, input, r.plan.Models[RoleOf(chunk, 3)], r.o.keepAlive)
	// No config here: the artistic context must not leak into translation.
	built, err := r.o.builder.BuildTemplate(chunk, chunk.Defaults, nil, cctx)
	if err != nil {
		return fmt.Errorf("stage 3 %s: %w", chunk.Name, err)
	}
	text, st, err := r.textStep(ctx, 3, 0, built, input)
	if err != nil {
		return err
	}

	r.ec.TextOutputs[3] = text
	r.ec.PreviousOutput = text
	r.recordText(3, "stage3_translation", text, textMeta(built, st, 0))
	r.update(func(m *recorder.Metadata) { m.TranslatedText = text })
	return nil
}

func (r *run) stage4(ctx context.Context) error {
	if err := r.begin(ctx, 4); err != nil {
		return err
	}
	out := r.plan.Output
	prompt := r.ec.chainInput()
	produced := false

	for i, step := range out.Steps {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if !step.Chunk.IsGenerator() {
			next, err := r.encoderStep(ctx, i, step, prompt)
			if err != nil {
				return err
			}
			prompt = next
			continue
		}
		ok, err := r.generatorStep(ctx, i, step, prompt)
		if err != nil {
			return err
		}
		produced = produced || ok
	}

	if !produced {
		return fmt.Errorf("%s: %w", out.ID, ErrNoOutput)
	}
	return nil
}

// encoderStep runs a text chunk inside an output config. A chunk with an
// output key feeds its answer to later steps as a placeholder; otherwise the
// answer becomes the prompt.
func (r *run) encoderStep(ctx context.Context, index int, step schemas.ResolvedStep, prompt string) (string, error) {
	cctx := r.ec.chunkContext(4, prompt, r.plan.Models[RoleOf(step.Chunk, 4)], r.o.keepAlive)
	built, err := r.o.builder.BuildStep(step, r.plan.Output, cctx)
	if err != nil {
		return "", fmt.Errorf("stage 4 %s: %w", step.ChunkName, err)
	}
	text, st, err := r.textStep(ctx, 4, index, built, prompt)
	if err != nil {
		return "", err
	}

	name := built.Name
	if built.OutputKey != "" {
		name = built.OutputKey
	}
	r.recordText(4, "stage4_"+strings.ToLower(name), text, textMeta(built, st, index))

	if built.OutputKey != "" {
		r.ec.Custom[strings.ToUpper(built.OutputKey)] = text
		return prompt, nil
	}
	return text, nil
}

// generatorStep runs one media chunk. It reports whether anything was
// produced. Media the recorder could not store is logged and left out.
func (r *run) generatorStep(ctx context.Context, index int, step schemas.ResolvedStep, prompt string) (bool, error) {
	cctx := r.ec.chunkContext(4, prompt, chunks.ModelChoice{}, r.o.keepAlive)
	cctx.Overrides = r.plan.Overrides
	if len(r.plan.Image) > 0 {
		cctx.Images = [][]byte{r.plan.Image}
	}
	built, err := r.o.builder.BuildStep(step, r.plan.Output, cctx)
	if err != nil {
		return false, fmt.Errorf("stage 4 %s: %w", step.ChunkName, err)
	}
	if seed, ok := built.Seed(); ok {
		r.ec.UsedSeed = &seed
		r.update(func(m *recorder.Metadata) { m.UsedSeed = &seed })
	}

	res, st, execErr := r.execStep(ctx, 4, index, built, prompt)
	r.recordParameters(built, res, execErr)
	if execErr != nil {
		return false, execErr
	}

	if res.Kind == backends.ResultText || len(res.Media) == 0 {
		text := strings.TrimSpace(res.Text)
		if text == "" {
			return false, nil
		}
		r.recordText(4, "stage4_"+built.Name, text, textMeta(built, st, index))
		return true, nil
	}

	for _, m := range res.Media {
		if m.Kind != types.MediaImage {
			continue
		}
		v := r.o.gate.CheckOutputImage(ctx, m.Data, r.ec.Level, r.ec.Language)
		if v.ModelChecked || !v.IsSafe {
			r.recordJSON(4, "output_safety", v, map[string]any{"chunk": built.Name})
		}
		if !v.IsSafe {
			r.ec.Verdict = v
			r.update(func(md *recorder.Metadata) { md.Safety = v })
			return false, &safety.RejectedError{Stage: 4, Verdict: v}
		}
	}

	for j, m := range res.Intermediates {
		if _, err := r.rec.RecordIntermediate(m.Kind, m.Data, m.Format, j); err != nil {
			r.logger.Warn("failed to record intermediate", zap.Int("step", j), zap.Error(err))
		}
	}

	for _, m := range res.Media {
		extra := map[string]any{
			"chunk":   built.Name,
			"backend": string(built.BackendKind),
			"model":   res.SourceModel,
		}
		if m.Width > 0 {
			extra["width"], extra["height"] = m.Width, m.Height
		}
		if m.Duration > 0 {
			extra["duration"] = m.Duration
		}
		if r.ec.UsedSeed != nil {
			extra["seed"] = *r.ec.UsedSeed
		}
		rel, err := r.rec.RecordMedia(m.Kind, m.Data, m.Format, extra)
		if err != nil {
			r.logger.Error("failed to record output, leaving it out of the result",
				zap.String("chunk", built.Name),
				zap.String("kind", string(m.Kind)),
				zap.Error(err))
			continue
		}

		gm := GeneratedMedia{
			Kind:     m.Kind,
			Filename: rel,
			Format:   m.Format,
			Backend:  built.BackendKind,
			Model:    res.SourceModel,
			Status:   string(types.StepCompleted),
			Metadata: extra,
		}
		if ent, ok := r.rec.LastEntity(); ok {
			gm.Sequence = ent.Sequence
		}
		r.ec.Media = append(r.ec.Media, gm)

		ev := events.New(r.rec.RunID(), events.MediaAvailable)
		ev.Stage, ev.Step, ev.Chunk, ev.Model = 4, index, built.Name, res.SourceModel
		ev.Output = &types.OutputRef{
			Kind:     gm.Kind,
			Filename: gm.Filename,
			Format:   gm.Format,
			Sequence: gm.Sequence,
			URL:      MediaURL(gm.Kind, r.rec.RunID()),
		}
		ev.Seed = r.ec.UsedSeed
		ev.ElapsedMS = res.ElapsedMS()
		r.publish(ctx, ev)
	}
	return true, nil
}

// textStep executes a text chunk and returns its trimmed answer.
func (r *run) textStep(ctx context.Context, stage, index int, built *chunks.BuiltChunk, input string) (string, *Step, error) {
	res, step, err := r.execStep(ctx, stage, index, built, input)
	if err != nil {
		return "", step, err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		step.Status, step.Error = types.StepFailed, backends.ErrEmptyResponse.Error()
		return "", step, fmt.Errorf("stage %d %s: %w", stage, built.Name, backends.ErrEmptyResponse)
	}
	step.Output = text

	ev := events.New(r.rec.RunID(), events.StageOutputText)
	ev.Stage, ev.Step, ev.Chunk, ev.Model, ev.Text = stage, index, built.Name, res.SourceModel, text
	ev.ElapsedMS = res.ElapsedMS()
	r.publish(ctx, ev)
	return text, step, nil
}

// execStep runs one built chunk and keeps its Step bookkeeping. Streaming
// text chunks forward their deltas as events while the call is running.
func (r *run) execStep(ctx context.Context, stage, index int, built *chunks.BuiltChunk, input string) (*backends.Result, *Step, error) {
	step := newStep(stage, index, built.Name, r.plan.Config.ID)
	step.Status = types.StepRunning
	step.StartedAt = time.Now()
	step.Backend = built.BackendKind
	step.Model = built.ModelID
	step.Input = input
	r.ec.Steps = append(r.ec.Steps, step)

	var opts []backends.ExecOption
	var wg sync.WaitGroup
	var deltas chan string
	if built.Stream && built.MediaKind == types.MediaText && !built.Passthrough {
		deltas = make(chan string, 64)
		opts = append(opts, backends.WithStream(deltas))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deltas {
				ev := events.New(r.rec.RunID(), events.TextDelta)
				ev.Stage, ev.Step, ev.Chunk, ev.Text = stage, index, built.Name, d
				r.publish(ctx, ev)
			}
		}()
	}

	res, err := r.o.exec.Execute(ctx, built, opts...)
	if deltas != nil {
		close(deltas)
		wg.Wait()
	}
	step.EndedAt = time.Now()

	if err != nil {
		step.Status, step.Error = types.StepFailed, err.Error()
		r.logger.Warn("step failed",
			zap.String("step", step.ID),
			zap.String("backend", string(built.BackendKind)),
			zap.Error(err))
		return nil, step, err
	}

	step.Status = types.StepCompleted
	if res.SourceModel != "" {
		step.Model = res.SourceModel
	}
	if built.Passthrough {
		step.Metadata["passthrough"] = true
	}
	return res, step, nil
}

// finish maps the run error onto a terminal status and finalizes the folder.
func (r *run) finish(ctx context.Context, err error) types.RunStatus {
	var (
		status   types.RunStatus
		rejected *safety.RejectedError
	)
	switch {
	case err == nil:
		status = types.StatusCompleted
	case ctx.Err() != nil, errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		status = types.StatusCancelled
	case errors.As(err, &rejected):
		status = types.StatusRefused
	default:
		status = types.StatusFailed
	}

	info := errorInfo(err)
	if status == types.StatusCancelled {
		info = &types.ErrorInfo{ID: ErrCancelled.(identified).ErrorID(), Message: ErrCancelled.Error()}
	}
	if ferr := r.rec.Finalize(status, info); ferr != nil {
		r.logger.Error("failed to finalize run", zap.Error(ferr))
	}

	fields := []zap.Field{zap.String("status", string(status)), zap.Int("media", len(r.ec.Media))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.logger.Info("run finished", fields...)
	return status
}

func (r *run) response(status types.RunStatus, err error) *types.RunResponse {
	resp := &types.RunResponse{
		RunID:        r.rec.RunID(),
		Status:       status,
		ConfigID:     r.plan.Config.ID,
		OutputConfig: r.plan.Output.ID,
		Outputs:      []types.OutputRef{},
		TextChain:    []types.TextStep{},
		UsedSeed:     r.ec.UsedSeed,
		Verdict:      r.ec.Verdict,
	}
	if v, ok := r.ec.TextOutputs[3]; ok {
		resp.TranslatedPrompt = v
	}

	served := map[types.MediaKind]bool{}
	for _, m := range r.ec.Media {
		ref := types.OutputRef{Kind: m.Kind, Filename: m.Filename, Format: m.Format, Sequence: m.Sequence}
		if kind := m.Kind.ServedAs(); !served[kind] {
			served[kind] = true
			ref.URL = MediaURL(m.Kind, resp.RunID)
		}
		resp.Outputs = append(resp.Outputs, ref)
	}

	for _, s := range r.ec.Steps {
		if s.Stage < 2 || s.Status != types.StepCompleted || s.Output == "" {
			continue
		}
		resp.TextChain = append(resp.TextChain, types.TextStep{
			Stage: s.Stage,
			Role:  fmt.Sprintf("stage%d", s.Stage),
			Chunk: s.Chunk,
			Model: s.Model,
			Text:  s.Output,
		})
	}

	if status == types.StatusCancelled {
		resp.Error = &types.ErrorInfo{ID: ErrCancelled.(identified).ErrorID(), Message: ErrCancelled.Error()}
	} else {
		resp.Error = errorInfo(err)
	}
	return resp
}

// textMeta is the entity metadata of a text step: what ran, on what input
// and for how long.
func textMeta(built *chunks.BuiltChunk, st *Step, index int) map[string]any {
	m := map[string]any{
		"chunk":      built.Name,
		"backend":    string(built.BackendKind),
		"step":       index,
		"input":      st.Input,
		"elapsed_ms": st.EndedAt.Sub(st.StartedAt).Milliseconds(),
	}
	model := built.ModelID
	if st.Model != "" {
		model = st.Model
	}
	if model != "" {
		m["model"] = model
	}
	if built.Passthrough {
		m["passthrough"] = true
	}
	return m
}

func (r *run) recordText(stage int, role, text string, extra map[string]any) {
	if _, err := r.rec.RecordText(stage, role, text, extra); err != nil {
		r.logger.Warn("failed to record text", zap.String("role", role), zap.Error(err))
	}
}

func (r *run) recordJSON(stage int, role string, v any, extra map[string]any) {
	if _, err := r.rec.RecordJSON(stage, role, v, extra); err != nil {
		r.logger.Warn("failed to record json", zap.String("role", role), zap.Error(err))
	}
}

func (r *run) recordParameters(built *chunks.BuiltChunk, res *backends.Result, execErr error) {
	params := map[string]any{
		"chunk":      built.Name,
		"backend":    string(built.BackendKind),
		"model":      built.ModelID,
		"parameters": built.Parameters,
	}
	if built.Graph != nil {
		params["workflow"] = built.Graph
	}
	if len(built.Images) > 0 {
		params["input_images"] = len(built.Images)
	}

	results := map[string]any{}
	if seed, ok := built.Seed(); ok {
		results["seed"] = seed
		results["seed_source"] = built.Metadata["seed_source"]
	}
	if execErr != nil {
		results["error"] = ErrorID(execErr)
		results["message"] = execErr.Error()
	}
	if res != nil {
		results["elapsed_ms"] = res.ElapsedMS()
		results["source_model"] = res.SourceModel
		results["media"] = len(res.Media)
		if res.PromptID != "" {
			results["prompt_id"] = res.PromptID
		}
	}
	if _, err := r.rec.RecordParameters(params, results); err != nil {
		r.logger.Warn("failed to record parameters", zap.String("chunk", built.Name), zap.Error(err))
	}
}

func (r *run) update(f func(m *recorder.Metadata)) {
	if err := r.rec.Update(f); err != nil {
		r.logger.Warn("failed to update metadata", zap.Error(err))
	}
}

// publish never fails the run. Terminal events are sent even after
// cancellation.
func (r *run) publish(ctx context.Context, ev events.Event) {
	if err := r.o.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Debug("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
