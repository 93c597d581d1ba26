package schemas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
)

const (
	CategoryInterception = "interception"
	CategoryOutput       = "output"
)

const (
	InstructionArtistic    = "artistic_transformation"
	InstructionPassthrough = "passthrough"
)

// PipelineTypeDualEncoder marks output pipelines made of two text encoders
// followed by a fused generation step.
const PipelineTypeDualEncoder = "dual_encoder"

// Localized is a language-keyed string. A plain JSON string decodes as English.
type Localized map[string]string

func (l *Localized) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Localized{"en": s}
		return nil
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*l = m
	return nil
}

// Get returns the text for lang, falling back to English, then German.
func (l Localized) Get(lang string) string {
	if v, ok := l[lang]; ok && v != "" {
		return v
	}
	if v := l["en"]; v != "" {
		return v
	}
	if v := l["de"]; v != "" {
		return v
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if l[k] != "" {
			return l[k]
		}
	}
	return ""
}

// InputMapping points one generator input at a field of a workflow node.
type InputMapping struct {
	NodeID  string `json:"node_id"`
	Field   string `json:"field"`
	Source  string `json:"source,omitempty"`
	Default any    `json:"default,omitempty"`
}

type ChunkTemplate struct {
	Name                 string                  `json:"name"`
	Description          string                  `json:"description,omitempty"`
	Template             string                  `json:"template,omitempty"`
	BackendKind          types.BackendKind       `json:"backend_type"`
	MediaKind            types.MediaKind         `json:"media_type,omitempty"`
	OutputFormat         string                  `json:"output_format,omitempty"`
	Model                string                  `json:"model,omitempty"`
	Role                 string                  `json:"role,omitempty"`
	OutputKey            string                  `json:"output_key,omitempty"`
	InstructionType      string                  `json:"instruction_type,omitempty"`
	RequiredPlaceholders []string                `json:"required_placeholders,omitempty"`
	Defaults             map[string]any          `json:"parameters,omitempty"`
	Workflow             map[string]any          `json:"workflow,omitempty"`
	InputMappings        map[string]InputMapping `json:"input_mappings,omitempty"`
	PyChunk              string                  `json:"python_chunk,omitempty"`
	Endpoint             string                  `json:"endpoint,omitempty"`
	Stream               bool                    `json:"stream,omitempty"`
	Optional             bool                    `json:"optional,omitempty"`
}

// IsGenerator reports whether the chunk produces media rather than text.
func (c *ChunkTemplate) IsGenerator() bool {
	return c.MediaKind != "" && c.MediaKind != types.MediaText
}

type PipelineDef struct {
	Name        string    `json:"name"`
	Description Localized `json:"description,omitempty"`
	Type        string    `json:"pipeline_type,omitempty"`
	Chunks      []string  `json:"chunks"`
	SkipStage2  bool      `json:"skip_stage2,omitempty"`
	StageHints  []int     `json:"stage_hints,omitempty"`
}

// Participates reports whether the pipeline runs the given stage. Pipelines
// without hints take part in every stage.
func (p *PipelineDef) Participates(stage int) bool {
	if len(p.StageHints) == 0 {
		return true
	}
	for _, s := range p.StageHints {
		if s == stage {
			return true
		}
	}
	return false
}

// OutputChoice is either a single output config id or a VRAM-tier table of
// ids. A null or "unsupported" value marks the combination as unavailable.
type OutputChoice struct {
	ID          string
	Tiers       map[int]string
	Unsupported bool
}

func (c *OutputChoice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = OutputChoice{Unsupported: true}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" || s == "unsupported" {
			*c = OutputChoice{Unsupported: true}
			return nil
		}
		*c = OutputChoice{ID: s}
		return nil
	}

	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("output choice must be a string or a vram tier object: %w", err)
	}
	tiers := make(map[int]string, len(raw))
	for key, id := range raw {
		gb, err := ParseTier(key)
		if err != nil {
			return err
		}
		tiers[gb] = id
	}
	if len(tiers) == 0 {
		*c = OutputChoice{Unsupported: true}
		return nil
	}
	*c = OutputChoice{Tiers: tiers}
	return nil
}

func (c OutputChoice) MarshalJSON() ([]byte, error) {
	switch {
	case c.Unsupported:
		return []byte("null"), nil
	case len(c.Tiers) > 0:
		raw := make(map[string]string, len(c.Tiers))
		for gb, id := range c.Tiers {
			raw[TierKey(gb)] = id
		}
		return json.Marshal(raw)
	default:
		return json.Marshal(c.ID)
	}
}

// IDs lists every output config id the choice can resolve to.
func (c OutputChoice) IDs() []string {
	if c.Unsupported {
		return nil
	}
	if len(c.Tiers) == 0 {
		return []string{c.ID}
	}
	out := make([]string, 0, len(c.Tiers))
	for _, gb := range c.SortedTiers() {
		out = append(out, c.Tiers[gb])
	}
	return out
}

// SortedTiers returns the declared tiers in ascending order.
func (c OutputChoice) SortedTiers() []int {
	tiers := make([]int, 0, len(c.Tiers))
	for gb := range c.Tiers {
		tiers = append(tiers, gb)
	}
	sort.Ints(tiers)
	return tiers
}

func ParseTier(key string) (int, error) {
	s := strings.TrimPrefix(strings.ToLower(key), "vram_")
	gb, err := strconv.Atoi(s)
	if err != nil || gb <= 0 {
		return 0, fmt.Errorf("invalid vram tier %q", key)
	}
	return gb, nil
}

func TierKey(gb int) string {
	return fmt.Sprintf("vram_%d", gb)
}

type MediaPreferences struct {
	DefaultMedia   types.MediaKind                                            `json:"default_media,omitempty"`
	SupportedMedia []types.MediaKind                                          `json:"supported_media,omitempty"`
	DefaultOutput  map[types.MediaKind]map[types.ExecutionMode]OutputChoice `json:"default_output,omitempty"`
}

// OutputDefaults is output_config_defaults.json.
type OutputDefaults map[types.MediaKind]map[types.ExecutionMode]OutputChoice

type ConfigDef struct {
	ID               string            `json:"id"`
	Name             Localized         `json:"name"`
	Description      Localized         `json:"description,omitempty"`
	Pipeline         string            `json:"pipeline"`
	Context          Localized         `json:"context,omitempty"`
	Parameters       map[string]any    `json:"parameters,omitempty"`
	MediaPreferences *MediaPreferences `json:"media_preferences,omitempty"`
	Properties       []string          `json:"properties,omitempty"`
	InstructionType  string            `json:"instruction_type,omitempty"`
	Stage3Chunk      string            `json:"stage3_chunk,omitempty"`
	MediaKind        types.MediaKind   `json:"media_type,omitempty"`
	Placeholders     map[string]string `json:"placeholders,omitempty"`
	Hidden           bool              `json:"hidden,omitempty"`
}

// ResolvedStep is one pipeline chunk with its merged parameters.
type ResolvedStep struct {
	Index      int
	ChunkName  string
	Chunk      *ChunkTemplate
	Parameters map[string]any
}

// ResolvedConfig is a config with its pipeline inlined. It is shared and
// must not be mutated after load.
type ResolvedConfig struct {
	ID               string
	Category         string
	Name             Localized
	Description      Localized
	Context          Localized
	Parameters       map[string]any
	Placeholders     map[string]string
	Properties       []string
	InstructionType  string
	Stage3Chunk      string
	MediaKind        types.MediaKind
	MediaPreferences MediaPreferences
	Pipeline         *PipelineDef
	Steps            []ResolvedStep
	Hidden           bool
	Source           string
}

func (r *ResolvedConfig) SkipStage2() bool {
	return r.Pipeline != nil && r.Pipeline.SkipStage2
}

func (r *ResolvedConfig) IsDualEncoder() bool {
	return r.Pipeline != nil && r.Pipeline.Type == PipelineTypeDualEncoder
}

// DefaultMedia is the media kind a run produces when the request names none.
func (r *ResolvedConfig) DefaultMedia() types.MediaKind {
	if r.MediaPreferences.DefaultMedia != "" {
		return r.MediaPreferences.DefaultMedia
	}
	if r.MediaKind != "" && r.MediaKind != types.MediaText {
		return r.MediaKind
	}
	return types.MediaImage
}

func (r *ResolvedConfig) SupportedMedia() []types.MediaKind {
	if len(r.MediaPreferences.SupportedMedia) > 0 {
		return r.MediaPreferences.SupportedMedia
	}
	if len(r.MediaPreferences.DefaultOutput) > 0 {
		kinds := make([]types.MediaKind, 0, len(r.MediaPreferences.DefaultOutput))
		for k := range r.MediaPreferences.DefaultOutput {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		return kinds
	}
	return []types.MediaKind{r.DefaultMedia()}
}

func (r *ResolvedConfig) Summary() types.ConfigSummary {
	s := types.ConfigSummary{
		ID:             r.ID,
		Category:       r.Category,
		Name:           r.Name,
		Description:    r.Description,
		Properties:     r.Properties,
		SupportedMedia: r.SupportedMedia(),
		SkipStage2:     r.SkipStage2(),
	}
	if r.Pipeline != nil {
		s.Pipeline = r.Pipeline.Name
	}
	return s
}
