package backends

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/imageutil"

	"github.com/gabriel-vasile/mimetype"
)

type ResultKind string

const (
	ResultText  ResultKind = "text"
	ResultMedia ResultKind = "media"
)

// Media is one generated file.
type Media struct {
	Kind     types.MediaKind `json:"kind"`
	Data     []byte          `json:"-"`
	Format   string          `json:"format"`
	Filename string          `json:"filename,omitempty"`
	Width    int             `json:"width,omitempty"`
	Height   int             `json:"height,omitempty"`
	Duration float64         `json:"duration,omitempty"`
}

// Result is the normalized output of every backend call.
type Result struct {
	Kind  ResultKind `json:"kind"`
	Text  string     `json:"text,omitempty"`
	Media []Media    `json:"media,omitempty"`
	// Intermediates are snapshots taken while generating (denoising steps,
	// attention maps). They are never the primary output.
	Intermediates []Media        `json:"intermediates,omitempty"`
	SourceModel   string         `json:"source_model,omitempty"`
	PromptID      string         `json:"prompt_id,omitempty"`
	Elapsed       time.Duration  `json:"elapsed_ms"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func TextResult(text, model string) *Result {
	return &Result{Kind: ResultText, Text: text, SourceModel: model}
}

// First returns the first media file, if any.
func (r *Result) First() (Media, bool) {
	if len(r.Media) == 0 {
		return Media{}, false
	}
	return r.Media[0], true
}

func (r *Result) ElapsedMS() int64 {
	return r.Elapsed.Milliseconds()
}

// normalize stamps the declared media kind on every file and fills in
// format and image dimensions where the backend left them out.
func (r *Result) normalize(declared types.MediaKind, format string) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	if len(r.Media) == 0 {
		if r.Kind == "" {
			r.Kind = ResultText
		}
		return
	}

	r.Kind = ResultMedia
	for i := range r.Media {
		m := &r.Media[i]
		if declared != "" && declared != types.MediaText {
			m.Kind = declared
		}
		if m.Format == "" {
			m.Format = detectFormat(m.Filename, m.Data, format)
		}
		if m.Kind == types.MediaImage && (m.Width == 0 || m.Height == 0) {
			if w, h, _, err := imageutil.Dimensions(m.Data); err == nil {
				m.Width, m.Height = w, h
			}
		}
	}
	for i := range r.Intermediates {
		m := &r.Intermediates[i]
		if m.Kind == "" {
			m.Kind = types.MediaImage
		}
		if m.Format == "" {
			m.Format = detectFormat(m.Filename, m.Data, "png")
		}
	}
}

// detectFormat prefers the filename extension, then sniffs the bytes.
func detectFormat(filename string, data []byte, fallback string) string {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		return ext
	}
	if len(data) > 0 {
		if ext := strings.TrimPrefix(mimetype.Detect(data).Extension(), "."); ext != "" {
			return ext
		}
	}
	return fallback
}
