package types

import "time"

// RunRequest is the body of POST /run.
type RunRequest struct {
	ConfigID      string            `json:"config_id" binding:"required"`
	Prompt        string            `json:"prompt" binding:"required"`
	Image         string            `json:"image,omitempty"`
	AspectRatio   string            `json:"aspect_ratio,omitempty"`
	ExecutionMode string            `json:"execution_mode,omitempty" binding:"omitempty,oneof=eco fast"`
	SafetyLevel   string            `json:"safety_level,omitempty" binding:"omitempty,oneof=off research youth kids"`
	SeedMode      string            `json:"seed_mode,omitempty" binding:"omitempty,oneof=fixed random"`
	CustomSeed    *int64            `json:"custom_seed,omitempty" binding:"omitempty,gte=0,lte=4294967295"`
	MediaKind     string            `json:"media_kind,omitempty" binding:"omitempty,oneof=image audio music video"`
	OutputConfig  string            `json:"output_config,omitempty"`
	Language      string            `json:"language,omitempty" binding:"omitempty,oneof=de en"`
	DeviceID      string            `json:"device_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Custom        map[string]string `json:"custom,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
}

type OutputRef struct {
	Kind     MediaKind `json:"kind"`
	Filename string    `json:"filename"`
	Format   string    `json:"format,omitempty"`
	Sequence int       `json:"sequence"`
	URL      string    `json:"url,omitempty"`
}

type TextStep struct {
	Stage int    `json:"stage"`
	Role  string `json:"role"`
	Chunk string `json:"chunk,omitempty"`
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

type ErrorInfo struct {
	ID      string   `json:"id"`
	Message string   `json:"message"`
	Codes   []string `json:"codes,omitempty"`
}

// RunResponse is the final answer of POST /run.
type RunResponse struct {
	RunID            string         `json:"run_id"`
	Status           RunStatus      `json:"status"`
	ConfigID         string         `json:"config_id"`
	OutputConfig     string         `json:"output_config,omitempty"`
	Outputs          []OutputRef    `json:"outputs"`
	TextChain        []TextStep     `json:"text_chain"`
	UsedSeed         *int64         `json:"used_seed,omitempty"`
	TranslatedPrompt string         `json:"translated_prompt,omitempty"`
	Verdict          *SafetyVerdict `json:"safety,omitempty"`
	Error            *ErrorInfo     `json:"error,omitempty"`
}

// ConfigSummary is one entry of GET /configs.
type ConfigSummary struct {
	ID             string            `json:"id"`
	Category       string            `json:"category"`
	Name           map[string]string `json:"name"`
	Description    map[string]string `json:"description,omitempty"`
	Pipeline       string            `json:"pipeline"`
	Properties     []string          `json:"properties,omitempty"`
	SupportedMedia []MediaKind       `json:"supported_media,omitempty"`
	SkipStage2     bool              `json:"skip_stage2,omitempty"`
}

// RunFilter narrows list_runs. Zero values do not filter.
type RunFilter struct {
	ConfigID string    `form:"config_id"`
	Status   RunStatus `form:"status"`
	DeviceID string    `form:"device_id"`
	From     time.Time `form:"date_from" time_format:"2006-01-02"`
	To       time.Time `form:"date_to" time_format:"2006-01-02"`
	Limit    int       `form:"limit" binding:"omitempty,gte=0,lte=1000"`
}

// Match applies the filter to one run.
func (f RunFilter) Match(r RunSummary) bool {
	if f.ConfigID != "" && r.ConfigID != f.ConfigID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.DeviceID != "" && r.DeviceID != f.DeviceID {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	// date_to is inclusive of the whole day.
	if !f.To.IsZero() && !r.Timestamp.Before(f.To.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// RunSummary is one entry of list_runs.
type RunSummary struct {
	RunID        string    `json:"run_id"`
	Timestamp    time.Time `json:"timestamp"`
	ConfigID     string    `json:"config_id"`
	OutputConfig string    `json:"output_config,omitempty"`
	Status       RunStatus `json:"status"`
	DeviceID     string    `json:"device_id"`
	InputText    string    `json:"input_text,omitempty"`
	MediaCount   int       `json:"media_count"`
	Unreadable   bool      `json:"unreadable,omitempty"`
	Path         string    `json:"-"`
}
