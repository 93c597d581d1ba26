package backends

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/imageutil"
)

// CodeFunc is an in-process chunk function. It returns text or media.
type CodeFunc func(ctx context.Context, chunk *chunks.BuiltChunk) (*Result, error)

// PyCode runs code chunks registered by name.
type PyCode struct {
	mu    sync.RWMutex
	funcs map[string]CodeFunc
}

// NewPyCode registers the built-in functions plus extra. Entries in extra
// replace built-ins of the same name.
func NewPyCode(extra map[string]CodeFunc) *PyCode {
	p := &PyCode{funcs: map[string]CodeFunc{
		"normalize_prompt": normalizePrompt,
		"image_resize":     imageResize,
	}}
	for name, f := range extra {
		p.funcs[name] = f
	}
	return p
}

func (p *PyCode) Register(name string, f CodeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funcs[name] = f
}

func (p *PyCode) Execute(ctx context.Context, chunk *chunks.BuiltChunk, _ ...ExecOption) (*Result, error) {
	name := chunk.PyChunk
	if name == "" {
		name = chunk.Name
	}

	p.mu.RLock()
	f, ok := p.funcs[name]
	p.mu.RUnlock()
	if !ok {
		return nil, &BackendError{Kind: types.BackendPyCode, Code: 404, Message: fmt.Sprintf("no code chunk named %q", name)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f(ctx, chunk)
}

// normalizePrompt collapses whitespace, strips wrapping quotes and drops
// control characters.
func normalizePrompt(_ context.Context, chunk *chunks.BuiltChunk) (*Result, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, chunk.PromptText)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, "\"'“”„«»")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &BackendError{Kind: types.BackendPyCode, Code: 400, Message: "prompt is empty after normalization"}
	}
	return TextResult(s, "normalize_prompt"), nil
}

// imageResize scales the first input image to the width and height
// parameters.
func imageResize(_ context.Context, chunk *chunks.BuiltChunk) (*Result, error) {
	if len(chunk.Images) == 0 {
		return nil, &BackendError{Kind: types.BackendPyCode, Code: 400, Message: "image_resize needs an input image"}
	}
	w, okW := intParam(chunk.Parameters, "width")
	h, okH := intParam(chunk.Parameters, "height")
	if !okW || !okH || w <= 0 || h <= 0 {
		return nil, &BackendError{Kind: types.BackendPyCode, Code: 400, Message: "image_resize needs positive width and height"}
	}
	format := chunk.OutputFormat
	if format == "" {
		format = "png"
	}

	data, err := imageutil.Resize(chunk.Images[0], w, h, format)
	if err != nil {
		return nil, &BackendError{Kind: types.BackendPyCode, Code: 400, Message: err.Error()}
	}
	return &Result{
		Kind:        ResultMedia,
		SourceModel: "image_resize",
		Media:       []Media{{Kind: types.MediaImage, Data: data, Format: format, Width: w, Height: h}},
	}, nil
}

var _ Executor = (*PyCode)(nil)
