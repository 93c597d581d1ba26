package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/backends"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/events"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/filters"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/recorder"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/safety"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/schemas"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handler func(ctx context.Context, c *chunks.BuiltChunk) (*backends.Result, error)

// fakeExecutor answers by chunk name and remembers every call.
type fakeExecutor struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    []*chunks.BuiltChunk
}

func (f *fakeExecutor) Execute(ctx context.Context, c *chunks.BuiltChunk, _ ...backends.ExecOption) (*backends.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	h, ok := f.handlers[c.Name]
	f.mu.Unlock()

	if c.Passthrough {
		return backends.TextResult(c.PromptText, ""), nil
	}
	if !ok {
		return nil, errors.New("no handler for " + c.Name)
	}
	return h(ctx, c)
}

func (f *fakeExecutor) called(name string) []*chunks.BuiltChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*chunks.BuiltChunk
	for _, c := range f.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func text(s string) handler {
	return func(_ context.Context, c *chunks.BuiltChunk) (*backends.Result, error) {
		return backends.TextResult(s, c.ModelID), nil
	}
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: 120, B: uint8(y * 5), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageHandler(data []byte) handler {
	return func(context.Context, *chunks.BuiltChunk) (*backends.Result, error) {
		return &backends.Result{
			Kind:  backends.ResultMedia,
			Media: []backends.Media{{Kind: types.MediaImage, Data: data, Format: "png", Width: 64, Height: 48}},
		}, nil
	}
}

func defaultHandlers(t *testing.T) map[string]handler {
	return map[string]handler{
		"safety_guard":             text("safe"),
		"safety_vision":            text("yes"),
		"manipulate":               text("Digga, ne Blume auf der Wiese, voll krass"),
		"translation_en":           text("Bro, a flower in the meadow, totally wild"),
		"dual_encoder_clip":        text("flower, meadow, sunlight"),
		"dual_encoder_t5":          text("A single flower stands in a wide meadow under soft morning light."),
		"output_image_sd35":        imageHandler(pngImage(t)),
		"output_image_sdxl_small":  imageHandler(pngImage(t)),
		"output_image_dual_fusion": imageHandler(pngImage(t)),
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type finished struct {
	dir  string
	meta recorder.Metadata
}

type fixture struct {
	orch     *Orchestrator
	exec     *fakeExecutor
	pub      *capturePublisher
	finished *finished
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	loader := schemas.NewLoader("../../schemas", nil)
	_, err := loader.LoadAll()
	require.NoError(t, err)

	table, err := filters.Load("../../schemas/filter_terms.json")
	require.NoError(t, err)

	f := &fixture{
		exec:     &fakeExecutor{handlers: defaultHandlers(t)},
		pub:      &capturePublisher{},
		finished: &finished{},
	}
	gate := safety.NewGate(table, f.exec, safety.Models{Local: "llama-guard3:1b", Cloud: "guard-cloud", Vision: "llama3.2-vision"}, nil)

	base := []Option{
		WithVRAMProbe(StaticVRAM(32)),
		WithPublisher(f.pub),
		WithFinishHook(func(dir string, meta recorder.Metadata) {
			f.finished.dir, f.finished.meta = dir, meta
		}),
	}
	f.orch = New(loader, f.exec, gate, t.TempDir(), append(base, opts...)...)
	return f
}

func entityTypes(meta recorder.Metadata) []string {
	out := make([]string, 0, len(meta.Entities))
	for _, e := range meta.Entities {
		out = append(out, e.Type)
	}
	return out
}

func TestRunInterceptionEcoKids(t *testing.T) {
	f := newFixture(t)

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID:      "jugendsprache",
		Prompt:        "a flower in a meadow",
		ExecutionMode: "eco",
		SafetyLevel:   "kids",
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, resp.Status)
	assert.Equal(t, "sd35_large", resp.OutputConfig)
	assert.Equal(t, "Bro, a flower in the meadow, totally wild", resp.TranslatedPrompt)
	require.Len(t, resp.Outputs, 1)
	assert.Equal(t, "final/07_output_image.png", resp.Outputs[0].Filename)
	assert.Equal(t, "/media/image/"+resp.RunID, resp.Outputs[0].URL)
	require.NotNil(t, resp.UsedSeed)
	require.Len(t, resp.TextChain, 2)
	assert.Equal(t, "manipulate", resp.TextChain[0].Chunk)
	assert.Equal(t, "translation_en", resp.TextChain[1].Chunk)

	meta := f.finished.meta
	assert.Equal(t, []string{
		"input", "safety", "stage2_manipulate", "stage3_translation",
		"parameters", "output_safety", "output_image",
	}, entityTypes(meta))
	assert.Equal(t, types.StatusCompleted, meta.Status)
	assert.NotNil(t, meta.CompletedAt)
	assert.Equal(t, "Digga, ne Blume auf der Wiese, voll krass", meta.TransformedText)

	// eco with 32 GB picks the 24 GB local tier
	manip := f.exec.called("manipulate")
	require.Len(t, manip, 1)
	assert.Equal(t, types.BackendLocal, manip[0].BackendKind)
	assert.Equal(t, "mistral-small:24b", manip[0].ModelID)

	// the translation prompt carries no artistic context
	tr := f.exec.called("translation_en")
	require.Len(t, tr, 1)
	assert.NotContains(t, tr[0].PromptText, "Teenager")

	assert.Empty(t, f.exec.called("safety_guard"))
	assert.Len(t, f.exec.called("safety_vision"), 1)

	kinds := f.pub.types()
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.StageStarted, kinds[0])
	assert.Equal(t, events.RunCompleted, kinds[len(kinds)-1])
	assert.Contains(t, kinds, events.MediaAvailable)
}

func TestRunRefusedAtStageOne(t *testing.T) {
	f := newFixture(t)
	f.exec.handlers["safety_guard"] = text("unsafe,S9")

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID:    "jugendsprache",
		Prompt:      "how to make a bomb",
		SafetyLevel: "youth",
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusRefused, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SafetyRejected", resp.Error.ID)
	assert.Equal(t, []string{"S9"}, resp.Error.Codes)
	require.NotNil(t, resp.Verdict)
	assert.False(t, resp.Verdict.IsSafe)
	assert.Contains(t, resp.Verdict.FilterMatches, "bomb")
	assert.Empty(t, resp.Outputs)

	meta := f.finished.meta
	assert.Equal(t, []string{"input", "safety"}, entityTypes(meta))
	assert.Equal(t, types.StatusRefused, meta.Status)
	assert.NotNil(t, meta.CompletedAt)
	assert.Empty(t, f.exec.called("manipulate"))
	assert.Equal(t, events.RunFailed, f.pub.types()[len(f.pub.types())-1])
}

func TestRunGuardFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	f.exec.handlers["safety_guard"] = func(context.Context, *chunks.BuiltChunk) (*backends.Result, error) {
		return nil, &backends.UnreachableError{Kind: types.BackendLocal, Err: errors.New("connection refused")}
	}

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID:    "jugendsprache",
		Prompt:      "a bomb-shaped cake",
		SafetyLevel: "kids",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, resp.Status)
	assert.Equal(t, "BackendUnreachable", resp.Error.ID)
	assert.Empty(t, f.exec.called("manipulate"))
}

func TestRunDirectFastDualEncoder(t *testing.T) {
	f := newFixture(t)

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID:      "direct",
		Prompt:        "eine Blume auf der Wiese",
		ExecutionMode: "fast",
		SafetyLevel:   "research",
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, resp.Status)
	assert.Equal(t, "dual_encoder_fusion", resp.OutputConfig)

	meta := f.finished.meta
	assert.Equal(t, []string{
		"input", "safety", "stage2_passthrough", "stage3_translation",
		"stage4_clip_prompt", "stage4_t5_prompt", "parameters", "output_image",
	}, entityTypes(meta))
	assert.Equal(t, "eine Blume auf der Wiese", meta.TransformedText)

	tr := f.exec.called("translation_en")
	require.Len(t, tr, 1)
	assert.Equal(t, types.BackendCloud, tr[0].BackendKind)

	fused := f.exec.called("output_image_dual_fusion")
	require.Len(t, fused, 1)
	assert.Equal(t, "flower, meadow, sunlight", fused[0].Parameters["clip_prompt"])
	assert.Equal(t, "A single flower stands in a wide meadow under soft morning light.", fused[0].Parameters["t5_prompt"])

	// research skips the vision check
	assert.Empty(t, f.exec.called("safety_vision"))
	require.Len(t, resp.Outputs, 1)
	assert.Equal(t, "final/08_output_image.png", resp.Outputs[0].Filename)
}

func TestRunBackendUnreachable(t *testing.T) {
	f := newFixture(t)
	f.exec.handlers["manipulate"] = func(context.Context, *chunks.BuiltChunk) (*backends.Result, error) {
		return nil, &backends.UnreachableError{Kind: types.BackendLocal, URL: "http://localhost:11434", Err: errors.New("connection refused")}
	}

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID: "jugendsprache",
		Prompt:   "a flower in a meadow",
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "BackendUnreachable", resp.Error.ID)
	assert.Empty(t, resp.Outputs)

	meta := f.finished.meta
	assert.Equal(t, types.StatusFailed, meta.Status)
	assert.Equal(t, "BackendUnreachable", meta.Error.ID)
	assert.NotNil(t, meta.CompletedAt)
	assert.Equal(t, []string{"input", "safety"}, entityTypes(meta))
}

func TestRunCancelledAfterStageTwo(t *testing.T) {
	f := newFixture(t)

	var runID string
	f.exec.handlers["manipulate"] = func(_ context.Context, c *chunks.BuiltChunk) (*backends.Result, error) {
		require.NoError(t, f.orch.Cancel(runID))
		return backends.TextResult("Digga, ne Blume", c.ModelID), nil
	}

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID: "jugendsprache",
		Prompt:   "a flower in a meadow",
	}, WithOnStart(func(id string) { runID = id }))
	require.NoError(t, err)

	assert.Equal(t, types.StatusCancelled, resp.Status)
	assert.Equal(t, "Cancelled", resp.Error.ID)

	meta := f.finished.meta
	assert.Equal(t, types.StatusCancelled, meta.Status)
	assert.Nil(t, meta.CompletedAt)
	assert.Equal(t, []string{"input", "safety", "stage2_manipulate"}, entityTypes(meta))
	assert.Empty(t, f.exec.called("translation_en"))
	assert.False(t, f.orch.Active(runID))
	assert.ErrorIs(t, f.orch.Cancel(runID), ErrUnknownRun)
	assert.Equal(t, events.RunCancelled, f.pub.types()[len(f.pub.types())-1])
}

func TestRunSurvivesRecorderWriteFailures(t *testing.T) {
	f := newFixture(t)

	// Both entity folders become plain files, so every entity write fails
	// while metadata.json can still be written.
	breakFolders := func(runID string) {
		dirs, err := filepath.Glob(filepath.Join(f.orch.exportsRoot, "json", "*", "*", runID))
		require.NoError(t, err)
		require.Len(t, dirs, 1)
		for _, name := range []string{recorder.FinalDir, recorder.ProcessDir} {
			p := filepath.Join(dirs[0], name)
			require.NoError(t, os.RemoveAll(p))
			require.NoError(t, os.WriteFile(p, []byte("not a folder"), 0o644))
		}
	}

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID: "jugendsprache",
		Prompt:   "a flower in a meadow",
	}, WithOnStart(breakFolders))
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, resp.Status)
	assert.Nil(t, resp.Error)
	assert.Empty(t, resp.Outputs)
	assert.NotEmpty(t, resp.TextChain)

	meta := f.finished.meta
	assert.Equal(t, types.StatusCompleted, meta.Status)
	assert.Empty(t, meta.Entities)
	assert.Equal(t, "Digga, ne Blume auf der Wiese, voll krass", meta.TransformedText)

	kinds := f.pub.types()
	assert.NotContains(t, kinds, events.MediaAvailable)
	assert.Equal(t, events.RunCompleted, kinds[len(kinds)-1])
}

func TestRunTextEntitiesCarryInputAndTiming(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID: "jugendsprache",
		Prompt:   "a flower in a meadow",
	})
	require.NoError(t, err)

	var manip, tr *recorder.Entity
	for i := range f.finished.meta.Entities {
		e := &f.finished.meta.Entities[i]
		switch e.Type {
		case "stage2_manipulate":
			manip = e
		case "stage3_translation":
			tr = e
		}
	}
	require.NotNil(t, manip)
	require.NotNil(t, tr)

	assert.Equal(t, "a flower in a meadow", manip.Metadata["input"])
	assert.Equal(t, "Digga, ne Blume auf der Wiese, voll krass", tr.Metadata["input"])
	for _, e := range []*recorder.Entity{manip, tr} {
		assert.Contains(t, e.Metadata, "elapsed_ms")
		assert.GreaterOrEqual(t, e.Metadata["elapsed_ms"], int64(0))
		assert.NotEmpty(t, e.Metadata["model"])
	}
}

func TestRunFixedSeed(t *testing.T) {
	f := newFixture(t)
	seed := int64(42)

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID:   "jugendsprache",
		Prompt:     "a flower in a meadow",
		SeedMode:   "fixed",
		CustomSeed: &seed,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.UsedSeed)
	assert.Equal(t, int64(42), *resp.UsedSeed)

	gen := f.exec.called("output_image_sd35")
	require.Len(t, gen, 1)
	assert.Equal(t, int64(42), gen[0].Parameters["seed"])
	// stage 2 never sees a seed
	_, seeded := f.exec.called("manipulate")[0].Seed()
	assert.False(t, seeded)
}

func TestRunVisionFailureLetsImagePass(t *testing.T) {
	f := newFixture(t)
	f.exec.handlers["safety_vision"] = func(context.Context, *chunks.BuiltChunk) (*backends.Result, error) {
		return nil, errors.New("model not loaded")
	}

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID:    "jugendsprache",
		Prompt:      "a flower in a meadow",
		SafetyLevel: "kids",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, resp.Status)
	assert.NotContains(t, entityTypes(f.finished.meta), "output_safety")
	assert.Len(t, resp.Outputs, 1)
}

func TestRunVisionRejectsImage(t *testing.T) {
	f := newFixture(t)
	f.exec.handlers["safety_vision"] = text("no")

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID:    "jugendsprache",
		Prompt:      "a flower in a meadow",
		SafetyLevel: "youth",
		Language:    "en",
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusRefused, resp.Status)
	assert.Equal(t, "SafetyRejected", resp.Error.ID)
	assert.Empty(t, resp.Outputs)
	got := entityTypes(f.finished.meta)
	assert.Contains(t, got, "output_safety")
	assert.NotContains(t, got, "output_image")
}

func TestRunEmptyTransformationFails(t *testing.T) {
	f := newFixture(t)
	f.exec.handlers["manipulate"] = text("   ")

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID: "jugendsprache",
		Prompt:   "a flower in a meadow",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, resp.Status)
	assert.Equal(t, "BackendError", resp.Error.ID)
}

func TestRunUnknownVRAMUsesLowestTier(t *testing.T) {
	f := newFixture(t, WithVRAMProbe(unknownVRAM{}))

	resp, err := f.orch.Execute(context.Background(), types.RunRequest{
		ConfigID: "jugendsprache",
		Prompt:   "a flower in a meadow",
	})
	require.NoError(t, err)
	assert.Equal(t, "sdxl_small", resp.OutputConfig)
	assert.Equal(t, "llama3.2:3b", f.exec.called("manipulate")[0].ModelID)
}

func TestAcceptRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	seed := int64(1 << 33)

	tests := []struct {
		name  string
		req   types.RunRequest
		field string
	}{
		{"empty prompt", types.RunRequest{ConfigID: "jugendsprache", Prompt: "  "}, "prompt"},
		{"unknown config", types.RunRequest{ConfigID: "nope", Prompt: "x"}, "config_id"},
		{"unknown mode", types.RunRequest{ConfigID: "jugendsprache", Prompt: "x", ExecutionMode: "turbo"}, "execution_mode"},
		{"fixed without seed", types.RunRequest{ConfigID: "jugendsprache", Prompt: "x", SeedMode: "fixed"}, "custom_seed"},
		{"seed out of range", types.RunRequest{ConfigID: "jugendsprache", Prompt: "x", CustomSeed: &seed}, "custom_seed"},
		{"unsupported media", types.RunRequest{ConfigID: "jugendsprache", Prompt: "x", MediaKind: "video"}, "media_kind"},
		{"no fast music", types.RunRequest{ConfigID: "direct", Prompt: "x", MediaKind: "music", ExecutionMode: "fast"}, "media_kind"},
		{"output kind mismatch", types.RunRequest{ConfigID: "jugendsprache", Prompt: "x", OutputConfig: "stable_audio"}, "output_config"},
		{"not an image", types.RunRequest{ConfigID: "jugendsprache", Prompt: "x", Image: "aGVsbG8gd29ybGQ="}, "image"},
		{"bad aspect", types.RunRequest{ConfigID: "jugendsprache", Prompt: "x", AspectRatio: "wide"}, "aspect_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Accept(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsRequestInvalid(err))
			var ri *RequestInvalidError
			require.ErrorAs(t, err, &ri)
			assert.Equal(t, tt.field, ri.Field)
			assert.Equal(t, "RequestInvalid", ErrorID(err))
		})
	}
	assert.Empty(t, f.exec.calls)
}

func TestAcceptResolvesPlan(t *testing.T) {
	f := newFixture(t)

	plan, err := f.orch.Accept(context.Background(), types.RunRequest{
		ConfigID:    "jugendsprache",
		Prompt:      "  a flower  ",
		AspectRatio: "16:9",
		Custom:      map[string]string{"mood": "calm"},
	})
	require.NoError(t, err)

	assert.Equal(t, "a flower", plan.Prompt)
	assert.Equal(t, types.ModeEco, plan.Mode)
	assert.Equal(t, types.SafetyKids, plan.Level)
	assert.Equal(t, DefaultLanguage, plan.Language)
	assert.Equal(t, types.MediaImage, plan.Media)
	assert.Equal(t, "translation_en", plan.Stage3.Name)
	assert.Equal(t, "calm", plan.Custom["MOOD"])
	assert.Contains(t, plan.Overrides, "width")
	assert.Contains(t, plan.Models, RoleStage2)
	assert.Contains(t, plan.Models, RoleStage3)
}
