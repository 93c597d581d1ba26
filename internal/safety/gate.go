// Package safety implements the two-tier safety gate: a fast term filter
// that arms a guard model check, plus a fail-open vision check on images.
package safety

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/backends"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/filters"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/imageutil"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"go.uber.org/zap"
)

const DefaultVisionMaxSide = 512

// Models names the guard models per backend.
type Models struct {
	Local  string
	Cloud  string
	Vision string
}

type Gate struct {
	filters       *filters.Table
	exec          backends.Executor
	models        Models
	visionMaxSide int
	logger        *zap.Logger
}

type Option func(*Gate)

func WithVisionMaxSide(n int) Option {
	return func(g *Gate) { g.visionMaxSide = n }
}

func NewGate(table *filters.Table, exec backends.Executor, models Models, l *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		filters:       table,
		exec:          exec,
		models:        models,
		visionMaxSide: DefaultVisionMaxSide,
		logger:        logger.Component(l, "safety"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var guardTask = template.Must(template.New("guard").Parse(
	`Decide whether the text under "Prompt" is safe for {{.Audience}}. ` +
		`Answer with exactly one word, "safe", or with "unsafe" followed by the violated category codes, ` +
		`for example "unsafe,S1". Do not explain.`))

var visionTask = template.Must(template.New("vision").Parse(
	`Look at the image. Is it appropriate to show to {{.Audience}}? Answer only "yes" or "no".`))

func renderTask(t *template.Template, level types.SafetyLevel) string {
	var buf bytes.Buffer
	_ = t.Execute(&buf, struct{ Audience string }{level.Audience()})
	return buf.String()
}

func categoryContext() string {
	var buf bytes.Buffer
	buf.WriteString("Categories:\n")
	for i := 1; i <= 14; i++ {
		code := fmt.Sprintf("S%d", i)
		fmt.Fprintf(&buf, "%s: %s\n", code, CodeName(code, "en"))
	}
	return buf.String()
}

// CheckInput runs the fast filter and, on a hit, the guard model. A model
// failure is returned as an error; the caller decides what it means.
func (g *Gate) CheckInput(ctx context.Context, text string, level types.SafetyLevel, mode types.ExecutionMode, lang string) (*types.SafetyVerdict, error) {
	verdict := &types.SafetyVerdict{IsSafe: true}
	if level == types.SafetyOff || g.filters == nil {
		return verdict, nil
	}

	hit, matches := g.filters.Check(text, level)
	if !hit {
		return verdict, nil
	}
	verdict.FilterMatches = matches

	g.logger.Info("filter hit, asking guard model",
		zap.String("level", string(level)),
		zap.Strings("matches", matches))

	safe, codes, err := g.judge(ctx, text, level, mode)
	if err != nil {
		return nil, err
	}
	verdict.ModelChecked = true
	if safe {
		return verdict, nil
	}

	verdict.IsSafe = false
	verdict.Codes = codes
	verdict.Reason = inputReason(codes, lang)
	verdict.Description = Describe(codes, lang)

	g.logger.Info("input rejected", zap.Strings("codes", codes))
	return verdict, nil
}

func (g *Gate) judge(ctx context.Context, text string, level types.SafetyLevel, mode types.ExecutionMode) (bool, []string, error) {
	chunk := g.guardChunk(text, level, mode)
	res, err := g.exec.Execute(ctx, chunk)
	if err != nil {
		return false, nil, fmt.Errorf("guard model: %w", err)
	}

	safe, codes, err := ParseModelResponse(res.Text)
	if err != nil {
		return false, nil, fmt.Errorf("guard model answered %q: %w", truncate(res.Text, 80), err)
	}
	return safe, codes, nil
}

func (g *Gate) guardChunk(text string, level types.SafetyLevel, mode types.ExecutionMode) *chunks.BuiltChunk {
	kind, model := types.BackendLocal, g.models.Local
	if mode == types.ModeFast && g.models.Cloud != "" {
		kind, model = types.BackendCloud, g.models.Cloud
	}

	p := chunks.Prompt{
		Task:    renderTask(guardTask, level),
		Context: categoryContext(),
		Input:   text,
	}
	return &chunks.BuiltChunk{
		Name:        "safety_guard",
		Role:        backends.RoleSafety,
		BackendKind: kind,
		MediaKind:   types.MediaText,
		ModelID:     model,
		Prompt:      &p,
		PromptText:  p.String(),
		Parameters:  map[string]any{"temperature": 0.0},
		Metadata:    map[string]any{"level": string(level)},
	}
}

// CheckOutputImage asks the vision model whether img suits the audience of
// level. It only runs for kids and youth. Any failure lets the image pass.
func (g *Gate) CheckOutputImage(ctx context.Context, img []byte, level types.SafetyLevel, lang string) *types.SafetyVerdict {
	verdict := &types.SafetyVerdict{IsSafe: true}
	if level != types.SafetyKids && level != types.SafetyYouth {
		return verdict
	}
	if g.models.Vision == "" {
		return verdict
	}

	small, err := imageutil.Downscale(img, g.visionMaxSide)
	if err != nil {
		g.logger.Warn("vision check skipped, image not decodable", zap.Error(err))
		return verdict
	}

	p := chunks.Prompt{Task: renderTask(visionTask, level), Input: "(image attached)"}
	chunk := &chunks.BuiltChunk{
		Name:        "safety_vision",
		Role:        backends.RoleSafety,
		BackendKind: types.BackendLocal,
		MediaKind:   types.MediaText,
		ModelID:     g.models.Vision,
		Prompt:      &p,
		PromptText:  p.String(),
		Parameters:  map[string]any{"temperature": 0.0},
		Images:      [][]byte{small},
	}

	res, err := g.exec.Execute(ctx, chunk)
	if err != nil {
		g.logger.Warn("vision check failed, letting image pass", zap.Error(err))
		return verdict
	}
	ok, err := parseYesNo(res.Text)
	if err != nil {
		g.logger.Warn("vision check answer unreadable, letting image pass", zap.String("answer", truncate(res.Text, 80)))
		return verdict
	}

	verdict.ModelChecked = true
	if !ok {
		verdict.IsSafe = false
		verdict.Reason = imageReason(string(level), lang)
		g.logger.Info("output image rejected", zap.String("level", string(level)))
	}
	return verdict
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
