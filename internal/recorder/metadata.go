package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
)

const MetadataFile = "metadata.json"

const (
	FinalDir     = "final"
	ProcessDir   = "prompting_process"
	RunType      = "pipeline_run"
	JSONExports  = "json"
	runIDPrefix  = "run_"
	metadataPerm = 0o644
)

// Entity is one append-only item of a run: a text, a parameter dump or a
// media file.
type Entity struct {
	Sequence  int            `json:"sequence"`
	Type      string         `json:"type"`
	Filename  string         `json:"filename"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Metadata is the content of a run's metadata.json, the single source of
// truth for the run.
type Metadata struct {
	RunID           string               `json:"run_id"`
	Timestamp       time.Time            `json:"timestamp"`
	Type            string               `json:"type"`
	ConfigID        string               `json:"config_id"`
	PipelineID      string               `json:"pipeline_id"`
	OutputConfig    string               `json:"output_config,omitempty"`
	ExecutionMode   types.ExecutionMode  `json:"execution_mode"`
	SafetyLevel     types.SafetyLevel    `json:"safety_level"`
	InputText       string               `json:"input_text"`
	TransformedText string               `json:"transformed_text"`
	TranslatedText  string               `json:"translated_text,omitempty"`
	Language        string               `json:"language"`
	DeviceID        string               `json:"device_id"`
	UserID          string               `json:"user_id"`
	UsedSeed        *int64               `json:"used_seed,omitempty"`
	Entities        []Entity             `json:"entities"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	TotalEntities   *int                 `json:"total_entities,omitempty"`
	Status          types.RunStatus      `json:"status"`
	Safety          *types.SafetyVerdict `json:"safety,omitempty"`
	Error           *types.ErrorInfo     `json:"error,omitempty"`

	// Unreadable is set by readers when metadata.json exists but cannot be
	// parsed. It is never written.
	Unreadable bool `json:"-"`
}

// Clone returns a deep enough copy for handing to observers.
func (m *Metadata) Clone() Metadata {
	c := *m
	c.Entities = append([]Entity(nil), m.Entities...)
	return c
}

// PrimaryMedia returns the first final media entity of kind, or of any kind
// when kind is empty.
func (m *Metadata) PrimaryMedia(kind types.MediaKind) (*Entity, bool) {
	for i := range m.Entities {
		e := &m.Entities[i]
		k, ok := mediaKindOf(e)
		if !ok {
			continue
		}
		if kind == "" || k.ServedAs() == kind.ServedAs() {
			return e, true
		}
	}
	return nil, false
}

// MediaEntities lists the final media entities in sequence order.
func (m *Metadata) MediaEntities() []Entity {
	var out []Entity
	for _, e := range m.Entities {
		if _, ok := mediaKindOf(&e); ok {
			out = append(out, e)
		}
	}
	return out
}

// TextChain lists the text entities of stages 2 and 3 in order.
func (m *Metadata) TextChain() []Entity {
	var out []Entity
	for _, e := range m.Entities {
		if stage := e.Stage(); (stage == 2 || stage == 3) && filepath.Ext(e.Filename) == ".txt" {
			out = append(out, e)
		}
	}
	return out
}

// Stage reads the stage number from the entity metadata. It is an int when
// recorded and a float64 after a JSON round trip.
func (e *Entity) Stage() int {
	switch v := e.Metadata["stage"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func mediaKindOf(e *Entity) (types.MediaKind, bool) {
	if filepath.Dir(e.Filename) != FinalDir {
		return "", false
	}
	s, _ := e.Metadata["media_kind"].(string)
	if s == "" {
		return "", false
	}
	return types.MediaKind(s), true
}

// ReadMetadata loads dir/metadata.json. A file that exists but does not
// parse yields Unreadable metadata and ErrUnreadable.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return &Metadata{RunID: filepath.Base(dir), Unreadable: true}, fmt.Errorf("%s: %w: %v", dir, ErrUnreadable, err)
	}
	if m.RunID == "" {
		m.RunID = filepath.Base(dir)
	}
	return &m, nil
}

// Summary condenses the metadata for list_runs.
func (m *Metadata) Summary(dir string) types.RunSummary {
	return types.RunSummary{
		RunID:        m.RunID,
		Timestamp:    m.Timestamp,
		ConfigID:     m.ConfigID,
		OutputConfig: m.OutputConfig,
		Status:       m.Status,
		DeviceID:     m.DeviceID,
		InputText:    m.InputText,
		MediaCount:   len(m.MediaEntities()),
		Unreadable:   m.Unreadable,
		Path:         dir,
	}
}

// RelDir is the run folder relative to the exports root.
func (m *Metadata) RelDir() string {
	return filepath.Join(JSONExports, m.Timestamp.Format(time.DateOnly), m.DeviceID, m.RunID)
}
