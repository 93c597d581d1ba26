// Package events publishes run progress to the message bus.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

type Type string

const (
	StageStarted    Type = "stage_started"
	StageOutputText Type = "stage_output_text"
	TextDelta       Type = "text_delta"
	MediaAvailable  Type = "media_available"
	RunCompleted    Type = "run_completed"
	RunFailed       Type = "run_failed"
	RunCancelled    Type = "run_cancelled"
)

// Terminal reports whether no further events follow t.
func (t Type) Terminal() bool {
	return t == RunCompleted || t == RunFailed || t == RunCancelled
}

// TerminalFor maps a final run status onto its closing event. Refusals
// are reported as failures carrying the verdict.
func TerminalFor(status types.RunStatus) Type {
	switch status {
	case types.StatusCompleted:
		return RunCompleted
	case types.StatusCancelled:
		return RunCancelled
	}
	return RunFailed
}

type Event struct {
	ID        string               `json:"id" msgpack:"id"`
	RunID     string               `json:"run_id" msgpack:"run_id"`
	Type      Type                 `json:"type" msgpack:"type"`
	Stage     int                  `json:"stage,omitempty" msgpack:"stage,omitempty"`
	Step      int                  `json:"step,omitempty" msgpack:"step,omitempty"`
	Chunk     string               `json:"chunk,omitempty" msgpack:"chunk,omitempty"`
	Model     string               `json:"model,omitempty" msgpack:"model,omitempty"`
	Text      string               `json:"text,omitempty" msgpack:"text,omitempty"`
	Output    *types.OutputRef     `json:"output,omitempty" msgpack:"output,omitempty"`
	Status    types.RunStatus      `json:"status,omitempty" msgpack:"status,omitempty"`
	Seed      *int64               `json:"seed,omitempty" msgpack:"seed,omitempty"`
	ElapsedMS int64                `json:"elapsed_ms,omitempty" msgpack:"elapsed_ms,omitempty"`
	Verdict   *types.SafetyVerdict `json:"safety,omitempty" msgpack:"safety,omitempty"`
	Error     *types.ErrorInfo     `json:"error,omitempty" msgpack:"error,omitempty"`
	Time      time.Time            `json:"time" msgpack:"time"`
}

// New stamps an event with a fresh id and the current time.
func New(runID string, typ Type) Event {
	return Event{ID: uuid.NewString(), RunID: runID, Type: typ, Time: time.Now().UTC()}
}

func Encode(e Event) ([]byte, error) {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}

// Publisher is what the orchestrator emits run events through.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
