// Package chunks turns chunk templates into concrete backend requests.
package chunks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/schemas"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/jsonutil"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/randutil"
)

// Default task instructions per instruction type.
var DefaultInstructions = map[string]string{
	schemas.InstructionArtistic: "Transform the prompt according to the context. Keep the subject recognizable and every concrete visual element. " +
		"Answer only with the transformed prompt, without explanations or quotation marks.",
}

// ModelChoice is the backend and model the orchestrator picked for a role.
type ModelChoice struct {
	Kind types.BackendKind
	ID   string
}

// Context is the per-build view of a run's execution context.
type Context struct {
	Stage          int
	UserInput      string
	PreviousOutput string
	InputText      string
	Language       string
	Mode           types.ExecutionMode
	SeedMode       types.SeedMode
	Seed           *int64
	Custom         map[string]string
	Overrides      map[string]any
	Model          ModelChoice
	KeepAlive      string
	Images         [][]byte
}

// BuiltChunk is a fully materialized request for the backend router.
type BuiltChunk struct {
	Name         string
	Role         string
	BackendKind  types.BackendKind
	MediaKind    types.MediaKind
	ModelID      string
	OutputFormat string
	OutputKey    string
	Prompt       *Prompt
	PromptText   string
	Graph        Graph
	Parameters   map[string]any
	Metadata     map[string]any
	Endpoint     string
	PyChunk      string
	Stream       bool
	KeepAlive    string
	Passthrough  bool
	Images       [][]byte
}

// Seed returns the seed materialized into the request, if any.
func (b *BuiltChunk) Seed() (int64, bool) {
	v, ok := b.Metadata["seed"].(int64)
	return v, ok
}

// ChunkSource looks chunk templates up by name.
type ChunkSource interface {
	GetChunk(name string) (*schemas.ChunkTemplate, error)
}

type Builder struct {
	source       ChunkSource
	instructions map[string]string
	seed         func() (int64, error)
}

type BuilderOption func(*Builder)

// WithSeedSource replaces the random seed generator.
func WithSeedSource(f func() (int64, error)) BuilderOption {
	return func(b *Builder) { b.seed = f }
}

func WithInstruction(instructionType, text string) BuilderOption {
	return func(b *Builder) { b.instructions[instructionType] = text }
}

func NewBuilder(source ChunkSource, opts ...BuilderOption) *Builder {
	b := &Builder{
		source:       source,
		instructions: map[string]string{},
		seed:         randutil.Seed32,
	}
	for k, v := range DefaultInstructions {
		b.instructions[k] = v
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build materializes chunkName for cfg. Steps of cfg use their merged
// parameters; other chunks (stage 3, safety) use their own defaults.
func (b *Builder) Build(chunkName string, cfg *schemas.ResolvedConfig, ctx *Context) (*BuiltChunk, error) {
	if cfg != nil {
		for _, step := range cfg.Steps {
			if step.ChunkName == chunkName {
				return b.BuildStep(step, cfg, ctx)
			}
		}
	}
	if b.source == nil {
		return nil, fmt.Errorf("%s: %w", chunkName, ErrChunkNotInConfig)
	}
	chunk, err := b.source.GetChunk(chunkName)
	if err != nil {
		return nil, err
	}
	return b.BuildTemplate(chunk, chunk.Defaults, cfg, ctx)
}

func (b *Builder) BuildStep(step schemas.ResolvedStep, cfg *schemas.ResolvedConfig, ctx *Context) (*BuiltChunk, error) {
	return b.BuildTemplate(step.Chunk, step.Parameters, cfg, ctx)
}

// BuildTemplate is the core of Build for an already looked-up template.
func (b *Builder) BuildTemplate(chunk *schemas.ChunkTemplate, params map[string]any, cfg *schemas.ResolvedConfig, ctx *Context) (*BuiltChunk, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	params = jsonutil.Merge(params, ctx.Overrides)

	built := &BuiltChunk{
		Name:         chunk.Name,
		Role:         chunk.Role,
		BackendKind:  chunk.BackendKind,
		MediaKind:    chunk.MediaKind,
		ModelID:      chunk.Model,
		OutputFormat: chunk.OutputFormat,
		OutputKey:    chunk.OutputKey,
		Endpoint:     chunk.Endpoint,
		PyChunk:      chunk.PyChunk,
		Stream:       chunk.Stream,
		KeepAlive:    ctx.KeepAlive,
		Images:       ctx.Images,
		Metadata:     map[string]any{"chunk": chunk.Name},
	}

	lookup := b.resolver(chunk, params, cfg, ctx)

	for _, name := range chunk.RequiredPlaceholders {
		if v, ok := lookup(strings.ToUpper(name)); !ok || strings.TrimSpace(v) == "" {
			return nil, &PlaceholderError{Chunk: chunk.Name, Name: name}
		}
	}

	rendered, err := renderParams(params, lookup)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", chunk.Name, err)
	}
	built.Parameters = rendered

	if b.isPassthrough(chunk, cfg, ctx) {
		if built.MediaKind != types.MediaText || !built.BackendKind.IsText() {
			return nil, fmt.Errorf("chunk %s: %w", chunk.Name, ErrPassthroughNonText)
		}
		input, _ := lookup(PlaceholderInputText)
		built.Passthrough = true
		built.PromptText = input
		built.Metadata["instruction_type"] = schemas.InstructionPassthrough
		return built, nil
	}

	switch {
	case chunk.BackendKind.IsText():
		if err := b.buildText(built, chunk, lookup, ctx); err != nil {
			return nil, err
		}
	case chunk.BackendKind == types.BackendWorkflow:
		if err := b.buildWorkflow(built, chunk, lookup, ctx); err != nil {
			return nil, err
		}
	case chunk.BackendKind == types.BackendPyCode:
		input, _ := lookup(PlaceholderInputText)
		built.PromptText = input
		if err := b.applySeed(built, ctx); err != nil {
			return nil, err
		}
	default:
		input, _ := lookup(PlaceholderInputText)
		built.PromptText = input
		if _, ok := built.Parameters["prompt"]; !ok && input != "" {
			built.Parameters["prompt"] = input
		}
		if err := b.applySeed(built, ctx); err != nil {
			return nil, err
		}
	}
	return built, nil
}

func (b *Builder) isPassthrough(chunk *schemas.ChunkTemplate, cfg *schemas.ResolvedConfig, ctx *Context) bool {
	if chunk.InstructionType == schemas.InstructionPassthrough {
		return true
	}
	return ctx.Stage == 2 && cfg != nil && cfg.InstructionType == schemas.InstructionPassthrough
}

// resolver applies the placeholder priority: custom values from the context,
// then well-known names, then config-level defaults.
func (b *Builder) resolver(chunk *schemas.ChunkTemplate, params map[string]any, cfg *schemas.ResolvedConfig, ctx *Context) resolver {
	return func(name string) (string, bool) {
		if v, ok := ctx.Custom[name]; ok {
			return v, true
		}

		switch name {
		case PlaceholderInputText:
			switch {
			case ctx.InputText != "":
				return ctx.InputText, true
			case ctx.PreviousOutput != "":
				return ctx.PreviousOutput, true
			case ctx.UserInput != "":
				return ctx.UserInput, true
			}
			return "", false
		case PlaceholderUserInput:
			return ctx.UserInput, ctx.UserInput != ""
		case PlaceholderPreviousOutput:
			return ctx.PreviousOutput, ctx.PreviousOutput != ""
		case PlaceholderContext:
			if cfg != nil {
				if v := cfg.Context.Get(ctx.Language); v != "" {
					return v, true
				}
			}
		case PlaceholderTaskInstruction:
			if v := b.instruction(chunk, cfg); v != "" {
				return v, true
			}
		}

		if cfg != nil {
			if v, ok := cfg.Placeholders[name]; ok {
				return v, true
			}
		}
		if v, ok := params[strings.ToLower(name)]; ok {
			if s, ok := scalarString(v); ok {
				return s, true
			}
		}
		return "", false
	}
}

func (b *Builder) instruction(chunk *schemas.ChunkTemplate, cfg *schemas.ResolvedConfig) string {
	it := chunk.InstructionType
	if it == "" && cfg != nil {
		it = cfg.InstructionType
	}
	if it == "" {
		it = schemas.InstructionArtistic
	}
	return b.instructions[it]
}

func (b *Builder) buildText(built *BuiltChunk, chunk *schemas.ChunkTemplate, lookup resolver, ctx *Context) error {
	if built.BackendKind == types.BackendLLM {
		if ctx.Model.Kind != types.BackendLocal && ctx.Model.Kind != types.BackendCloud {
			return fmt.Errorf("chunk %s: %w", chunk.Name, ErrUnresolvedBackend)
		}
		built.BackendKind = ctx.Model.Kind
	}
	if built.ModelID == "" {
		built.ModelID = ctx.Model.ID
	}

	task := ""
	if chunk.Template != "" {
		task, _ = render(chunk.Template, lookup)
	} else {
		task, _ = lookup(PlaceholderTaskInstruction)
	}
	contextText, _ := lookup(PlaceholderContext)
	input, _ := lookup(PlaceholderInputText)

	p := Prompt{Task: strings.TrimSpace(task), Context: strings.TrimSpace(contextText), Input: input}
	built.Prompt = &p
	built.PromptText = p.String()
	built.Metadata["model"] = built.ModelID
	return nil
}

func (b *Builder) buildWorkflow(built *BuiltChunk, chunk *schemas.ChunkTemplate, lookup resolver, ctx *Context) error {
	if err := b.applySeed(built, ctx); err != nil {
		return err
	}

	graph := CloneGraph(chunk.Workflow)

	keys := make([]string, 0, len(chunk.InputMappings))
	for k := range chunk.InputMappings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	prompt, _ := lookup(PlaceholderInputText)
	for _, key := range keys {
		m := chunk.InputMappings[key]
		value, ok, err := b.mappingValue(built, key, m, lookup)
		if err != nil {
			return &MappingError{Chunk: chunk.Name, Key: key, Err: err}
		}
		if !ok {
			continue
		}
		if err := graph.Set(m.NodeID, m.Field, value); err != nil {
			return &MappingError{Chunk: chunk.Name, Key: key, Err: err}
		}
	}

	if err := graph.Validate(); err != nil {
		return fmt.Errorf("chunk %s: %w", chunk.Name, err)
	}

	built.Graph = graph
	built.PromptText = prompt
	return nil
}

// mappingValue resolves one input mapping. ok is false when nothing supplies
// a value and the template default should stay.
func (b *Builder) mappingValue(built *BuiltChunk, key string, m schemas.InputMapping, lookup resolver) (any, bool, error) {
	source := m.Source
	if source == "" {
		source = key
	}

	switch source {
	case "prompt":
		v, ok := lookup(PlaceholderInputText)
		if !ok || strings.TrimSpace(v) == "" {
			return nil, false, &PlaceholderError{Chunk: built.Name, Name: PlaceholderInputText}
		}
		return v, true, nil
	case "model":
		if built.ModelID == "" {
			return nil, false, nil
		}
		return built.ModelID, true, nil
	case "seed":
		seed, ok := built.Seed()
		return seed, ok, nil
	}

	if source == strings.ToUpper(source) {
		if v, ok := lookup(source); ok {
			return v, true, nil
		}
		if m.Default != nil {
			return m.Default, true, nil
		}
		return nil, false, nil
	}

	if v, ok := built.Parameters[source]; ok {
		return v, true, nil
	}
	if m.Default != nil {
		return m.Default, true, nil
	}
	return nil, false, nil
}

// applySeed decides the seed for generator requests. A fixed request seed
// wins; random mode or a template seed of -1 draws a fresh 32-bit value.
func (b *Builder) applySeed(built *BuiltChunk, ctx *Context) error {
	raw, hasParam := built.Parameters["seed"]
	if !hasParam && ctx.SeedMode == "" && built.BackendKind != types.BackendWorkflow {
		return nil
	}

	var (
		seed   int64
		source string
	)
	switch {
	case ctx.SeedMode == types.SeedFixed && ctx.Seed != nil:
		seed, source = *ctx.Seed, "fixed"
	case ctx.SeedMode == types.SeedRandom:
		s, err := b.seed()
		if err != nil {
			return fmt.Errorf("failed to draw seed: %w", err)
		}
		seed, source = s, "random"
	default:
		v, ok := toInt64(raw)
		if !ok || v < 0 {
			s, err := b.seed()
			if err != nil {
				return fmt.Errorf("failed to draw seed: %w", err)
			}
			seed, source = s, "random"
		} else {
			seed, source = v, "template"
		}
	}

	built.Parameters["seed"] = seed
	built.Metadata["seed"] = seed
	built.Metadata["seed_source"] = source
	return nil
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}

// renderParams substitutes placeholders inside string parameter values.
func renderParams(params map[string]any, lookup resolver) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok || !HasPlaceholders(s) {
			out[k] = v
			continue
		}
		r, missing := render(s, lookup)
		if len(missing) > 0 {
			return nil, fmt.Errorf("parameter %s: unresolved placeholders %s", k, strings.Join(missing, ", "))
		}
		out[k] = r
	}
	return out, nil
}
