package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Run mirrors the header of a run's metadata.json.
type Run struct {
	bun.BaseModel `bun:"table:runs,alias:r"`

	ID              string     `bun:",pk"`
	Timestamp       time.Time  `bun:",notnull"`
	ConfigID        string     `bun:",notnull"`
	PipelineID      string     `bun:",notnull,default:''"`
	OutputConfig    string     `bun:",nullzero"`
	ExecutionMode   string     `bun:",notnull"`
	SafetyLevel     string     `bun:",notnull"`
	Status          string     `bun:",notnull"`
	DeviceID        string     `bun:",notnull"`
	UserID          string     `bun:",nullzero"`
	Language        string     `bun:",nullzero"`
	InputText       string     `bun:",nullzero"`
	TransformedText string     `bun:",nullzero"`
	UsedSeed        *int64     `bun:",nullzero"`
	ErrorID         string     `bun:",nullzero"`
	MediaCount      int        `bun:",notnull,default:0"`
	Path            string     `bun:",notnull"`
	CompletedAt     *time.Time `bun:",nullzero"`
	UpdatedAt       time.Time  `bun:",nullzero,notnull,default:current_timestamp"`

	Entities []*RunEntity `bun:"rel:has-many,join:id=run_id"`
}

type RunEntity struct {
	bun.BaseModel `bun:"table:run_entities,alias:re"`

	RunID     string         `bun:",pk"`
	Sequence  int            `bun:",pk"`
	Type      string         `bun:",notnull"`
	Filename  string         `bun:",notnull"`
	Timestamp time.Time      `bun:",notnull"`
	Metadata  map[string]any `bun:"type:json"`
	Run       *Run           `bun:"rel:belongs-to,join:run_id=id"`
}
