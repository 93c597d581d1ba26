package pipeline

import (
	"fmt"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
)

// Step is one planned unit of work inside a stage.
type Step struct {
	ID        string
	Chunk     string
	Config    string
	Stage     int
	Status    types.StepStatus
	StartedAt time.Time
	EndedAt   time.Time
	Backend   types.BackendKind
	Model     string
	Input     string
	Output    string
	Error     string
	Metadata  map[string]any
}

func newStep(stage, index int, chunk, configID string) *Step {
	return &Step{
		ID:       fmt.Sprintf("s%d_%02d_%s", stage, index, chunk),
		Chunk:    chunk,
		Config:   configID,
		Stage:    stage,
		Status:   types.StepPending,
		Metadata: map[string]any{},
	}
}

// GeneratedMedia is one media file a run produced.
type GeneratedMedia struct {
	Kind     types.MediaKind
	Filename string
	Format   string
	Sequence int
	Backend  types.BackendKind
	Model    string
	Status   string
	Metadata map[string]any
}

// ExecutionContext is the mutable state of one run. It is owned by the run
// and never shared.
type ExecutionContext struct {
	UserInput      string
	PreviousOutput string
	TextOutputs    map[int]string
	Media          []GeneratedMedia
	Steps          []*Step

	Mode     types.ExecutionMode
	Level    types.SafetyLevel
	SeedMode types.SeedMode
	Seed     *int64
	Language string
	Custom   map[string]string

	StageIndex int
	UsedSeed   *int64
	Verdict    *types.SafetyVerdict
}

func newExecutionContext(p *Plan) *ExecutionContext {
	custom := make(map[string]string, len(p.Custom))
	for k, v := range p.Custom {
		custom[k] = v
	}
	return &ExecutionContext{
		UserInput:   p.Prompt,
		TextOutputs: map[int]string{},
		Mode:        p.Mode,
		Level:       p.Level,
		SeedMode:    p.SeedMode,
		Seed:        p.Seed,
		Language:    p.Language,
		Custom:      custom,
	}
}

// advance moves the stage index forward. It never goes back.
func (ec *ExecutionContext) advance(stage int) {
	if stage > ec.StageIndex {
		ec.StageIndex = stage
	}
}

// chunkContext is the builder's view for one chunk. Seeds only reach
// Stage 4 requests.
func (ec *ExecutionContext) chunkContext(stage int, input string, model chunks.ModelChoice, keepAlive string) *chunks.Context {
	custom := make(map[string]string, len(ec.Custom))
	for k, v := range ec.Custom {
		custom[k] = v
	}
	c := &chunks.Context{
		Stage:          stage,
		UserInput:      ec.UserInput,
		PreviousOutput: input,
		Language:       ec.Language,
		Mode:           ec.Mode,
		Custom:         custom,
		Model:          model,
		KeepAlive:      keepAlive,
	}
	if stage == 4 {
		c.SeedMode = ec.SeedMode
		c.Seed = ec.Seed
	}
	return c
}

// chainInput is the text Stage 4 starts from.
func (ec *ExecutionContext) chainInput() string {
	for _, stage := range []int{3, 2} {
		if v, ok := ec.TextOutputs[stage]; ok {
			return v
		}
	}
	return ec.UserInput
}
