package types

import (
	"fmt"
	"strings"
)

// BackendKind is the closed set of backends a chunk can target. BackendLLM is
// a placeholder resolved to Local or Cloud by the execution mode.
type BackendKind string

const (
	BackendLLM        BackendKind = "llm"
	BackendLocal      BackendKind = "local"
	BackendCloud      BackendKind = "cloud"
	BackendGPUService BackendKind = "gpu_service"
	BackendWorkflow   BackendKind = "workflow"
	BackendDirectAPI  BackendKind = "direct_api"
	BackendPyCode     BackendKind = "pycode"
)

var backendAliases = map[string]BackendKind{
	"llm":         BackendLLM,
	"local":       BackendLocal,
	"ollama":      BackendLocal,
	"cloud":       BackendCloud,
	"openrouter":  BackendCloud,
	"openai":      BackendCloud,
	"gpu_service": BackendGPUService,
	"gpu":         BackendGPUService,
	"workflow":    BackendWorkflow,
	"comfyui":     BackendWorkflow,
	"direct_api":  BackendDirectAPI,
	"pycode":      BackendPyCode,
	"python":      BackendPyCode,
}

func ParseBackendKind(s string) (BackendKind, error) {
	if k, ok := backendAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown backend kind %q", s)
}

// IsText reports whether the backend produces text completions.
func (k BackendKind) IsText() bool {
	return k == BackendLLM || k == BackendLocal || k == BackendCloud
}

type MediaKind string

const (
	MediaText  MediaKind = "text"
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaMusic MediaKind = "music"
	MediaVideo MediaKind = "video"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch k := MediaKind(strings.ToLower(s)); k {
	case MediaText, MediaImage, MediaAudio, MediaMusic, MediaVideo:
		return k, nil
	case "":
		return MediaText, nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

// ServedAs maps a media kind onto the /media/{kind} route family.
func (k MediaKind) ServedAs() MediaKind {
	if k == MediaMusic {
		return MediaAudio
	}
	return k
}

type ExecutionMode string

const (
	ModeEco  ExecutionMode = "eco"
	ModeFast ExecutionMode = "fast"
)

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch m := ExecutionMode(strings.ToLower(s)); m {
	case ModeEco, ModeFast:
		return m, nil
	case "":
		return ModeEco, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

type SafetyLevel string

const (
	SafetyOff      SafetyLevel = "off"
	SafetyResearch SafetyLevel = "research"
	SafetyYouth    SafetyLevel = "youth"
	SafetyKids     SafetyLevel = "kids"
)

func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch l := SafetyLevel(strings.ToLower(s)); l {
	case SafetyOff, SafetyResearch, SafetyYouth, SafetyKids:
		return l, nil
	case "":
		return SafetyKids, nil
	}
	return "", fmt.Errorf("unknown safety level %q", s)
}

// Audience is the phrase the safety models are asked about.
func (l SafetyLevel) Audience() string {
	switch l {
	case SafetyKids:
		return "children aged 6 to 12"
	case SafetyYouth:
		return "teenagers aged 14 to 18"
	default:
		return "a general adult audience"
	}
}

type SeedMode string

const (
	SeedFixed  SeedMode = "fixed"
	SeedRandom SeedMode = "random"
)

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusRefused   RunStatus = "refused"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s != StatusRunning && s != ""
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// SafetyVerdict is the outcome of one safety gate pass.
type SafetyVerdict struct {
	IsSafe        bool     `json:"is_safe" msgpack:"is_safe"`
	Codes         []string `json:"codes" msgpack:"codes"`
	Reason        string   `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Description   string   `json:"description,omitempty" msgpack:"description,omitempty"`
	FilterMatches []string `json:"filter_matches,omitempty" msgpack:"filter_matches,omitempty"`
	ModelChecked  bool     `json:"model_checked" msgpack:"model_checked"`
}
