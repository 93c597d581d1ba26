package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/schemas"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
)

// Roles the model table knows. Chunks name their role; chunks without one
// take the role of the stage they run in.
const (
	RoleStage2  = "stage2"
	RoleStage3  = "stage3"
	RoleEncoder = "stage4_encoder"
)

// TierDefault is the tier key matching any host.
const TierDefault = "default"

type tierModel struct {
	minGB int
	model string
}

// ModelTable maps (role, mode, vram tier) onto a concrete model. Eco mode
// resolves to the local LLM server, fast mode to the cloud provider.
type ModelTable struct {
	provider string
	entries  map[string]map[types.ExecutionMode][]tierModel
}

var defaultLocalModels = map[string]string{
	TierDefault:         "llama3.2:3b",
	schemas.TierKey(8):  "llama3.1:8b",
	schemas.TierKey(24): "mistral-small:24b",
	schemas.TierKey(48): "llama3.3:70b",
}

var defaultCloudModels = map[string]map[string]string{
	config.ProviderOpenRouter: {
		RoleStage2:  "anthropic/claude-3.5-haiku",
		RoleStage3:  "openai/gpt-4o-mini",
		RoleEncoder: "openai/gpt-4o-mini",
	},
	config.ProviderOpenAI: {
		RoleStage2:  "gpt-4o",
		RoleStage3:  "gpt-4o-mini",
		RoleEncoder: "gpt-4o-mini",
	},
}

// NewModelTable builds the default table for provider and applies the
// overrides (role -> mode -> tier key -> model) on top.
func NewModelTable(provider string, overrides map[string]map[string]map[string]string) (*ModelTable, error) {
	if provider == "" {
		provider = config.ProviderOpenRouter
	}
	t := &ModelTable{provider: provider, entries: map[string]map[types.ExecutionMode][]tierModel{}}

	for _, role := range []string{RoleStage2, RoleStage3, RoleEncoder} {
		for key, model := range defaultLocalModels {
			if err := t.Set(role, types.ModeEco, key, model); err != nil {
				return nil, err
			}
		}
		if model := defaultCloudModels[provider][role]; model != "" {
			if err := t.Set(role, types.ModeFast, TierDefault, model); err != nil {
				return nil, err
			}
		}
	}

	for role, byMode := range overrides {
		for modeName, byTier := range byMode {
			mode, err := types.ParseExecutionMode(modeName)
			if err != nil {
				return nil, fmt.Errorf("models.%s: %w", role, err)
			}
			// an override replaces the whole tier list of that role and mode
			if len(byTier) > 0 {
				t.clear(role, mode)
			}
			for key, model := range byTier {
				if err := t.Set(role, mode, key, model); err != nil {
					return nil, fmt.Errorf("models.%s.%s: %w", role, modeName, err)
				}
			}
		}
	}
	return t, nil
}

func (t *ModelTable) clear(role string, mode types.ExecutionMode) {
	if byMode, ok := t.entries[role]; ok {
		delete(byMode, mode)
	}
}

// Set registers model for role and mode from tierKey upwards.
func (t *ModelTable) Set(role string, mode types.ExecutionMode, tierKey, model string) error {
	minGB := 0
	if tierKey != "" && tierKey != TierDefault {
		gb, err := schemas.ParseTier(tierKey)
		if err != nil {
			return err
		}
		minGB = gb
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("empty model for tier %q", tierKey)
	}

	byMode, ok := t.entries[role]
	if !ok {
		byMode = map[types.ExecutionMode][]tierModel{}
		t.entries[role] = byMode
	}
	list := byMode[mode]
	for i := range list {
		if list[i].minGB == minGB {
			list[i].model = model
			return nil
		}
	}
	list = append(list, tierModel{minGB: minGB, model: model})
	sort.Slice(list, func(i, j int) bool { return list[i].minGB < list[j].minGB })
	byMode[mode] = list
	return nil
}

// Resolve picks the model for role. Eco picks the largest tier the host can
// hold, or the smallest when the VRAM is unknown. Fast ignores tiers.
func (t *ModelTable) Resolve(role string, mode types.ExecutionMode, vramGB float64, known bool) (chunks.ModelChoice, error) {
	kind := types.BackendLocal
	if mode == types.ModeFast {
		kind = types.BackendCloud
	}

	list := t.entries[role][mode]
	if len(list) == 0 {
		return chunks.ModelChoice{}, fmt.Errorf("%w %s in %s mode", ErrNoModel, role, mode)
	}
	if mode == types.ModeFast || !known {
		return chunks.ModelChoice{Kind: kind, ID: list[0].model}, nil
	}

	for i := len(list) - 1; i >= 0; i-- {
		if float64(list[i].minGB) <= vramGB {
			return chunks.ModelChoice{Kind: kind, ID: list[i].model}, nil
		}
	}
	return chunks.ModelChoice{}, fmt.Errorf("%w %s: host has %.0f GB, smallest tier needs %d GB", ErrNoModel, role, vramGB, list[0].minGB)
}

// RoleOf returns the model table role of chunk when it runs in stage.
func RoleOf(chunk *schemas.ChunkTemplate, stage int) string {
	if chunk.Role != "" {
		return chunk.Role
	}
	switch stage {
	case 3:
		return RoleStage3
	case 4:
		return RoleEncoder
	}
	return RoleStage2
}
