package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/chunks"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/schemas"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// DefaultStage3Chunk normalizes Stage 2 output for the generators when the
// config names no chunk of its own.
const DefaultStage3Chunk = "translation_en"

const defaultImageSide = 1024

// Plan is an accepted request: every lookup that can fail has been done.
type Plan struct {
	Prompt   string
	Config   *schemas.ResolvedConfig
	Output   *schemas.ResolvedConfig
	Stage3   *schemas.ChunkTemplate
	Media    types.MediaKind
	Mode     types.ExecutionMode
	Level    types.SafetyLevel
	SeedMode types.SeedMode
	Seed     *int64
	Language string
	DeviceID string
	UserID   string

	VRAMGB    float64
	VRAMKnown bool
	Models    map[string]chunks.ModelChoice

	Image     []byte
	Overrides map[string]any
	Custom    map[string]string
}

// Accept validates req and resolves everything a run needs. Unsupported
// combinations fail here, never mid-run.
func (o *Orchestrator) Accept(ctx context.Context, req types.RunRequest) (*Plan, error) {
	snap := o.loader.Snapshot()
	if snap == nil {
		return nil, schemas.ErrNotLoaded
	}

	p := &Plan{
		Prompt:   strings.TrimSpace(req.Prompt),
		DeviceID: req.DeviceID,
		UserID:   req.UserID,
		Language: req.Language,
	}
	if p.Prompt == "" {
		return nil, invalid("prompt", "must not be empty", nil)
	}
	if p.DeviceID == "" {
		p.DeviceID = o.deviceID
	}
	if p.Language == "" {
		p.Language = o.language
	}

	var err error
	if p.Mode, err = types.ParseExecutionMode(req.ExecutionMode); err != nil {
		return nil, invalid("execution_mode", "unknown value", err)
	}
	if p.Level, err = types.ParseSafetyLevel(req.SafetyLevel); err != nil {
		return nil, invalid("safety_level", "unknown value", err)
	}
	if err := p.acceptSeed(req); err != nil {
		return nil, err
	}

	cfg, ok := snap.Configs[req.ConfigID]
	if !ok {
		return nil, invalid("config_id", fmt.Sprintf("unknown config %q", req.ConfigID), schemas.ErrNotFound)
	}
	p.Config = cfg

	if p.Media, err = acceptMedia(req.MediaKind, cfg); err != nil {
		return nil, err
	}

	gb, probeErr := o.vram.VRAM(ctx)
	p.VRAMGB, p.VRAMKnown = gb, probeErr == nil
	if probeErr != nil {
		o.logger.Warn("vram probe failed, using the lowest tier", zap.Error(probeErr))
	}

	if p.Output, err = o.acceptOutput(snap, req.OutputConfig, p); err != nil {
		return nil, err
	}
	if p.Stage3, err = o.acceptStage3(snap, cfg); err != nil {
		return nil, err
	}
	if err := o.acceptModels(p); err != nil {
		return nil, err
	}
	if p.Image, err = decodeImage(req.Image); err != nil {
		return nil, err
	}
	if p.Overrides, err = acceptAspect(req.AspectRatio, p.Media); err != nil {
		return nil, err
	}

	p.Custom = make(map[string]string, len(req.Custom))
	for k, v := range req.Custom {
		p.Custom[strings.ToUpper(k)] = v
	}
	return p, nil
}

func (p *Plan) acceptSeed(req types.RunRequest) error {
	switch types.SeedMode(strings.ToLower(req.SeedMode)) {
	case types.SeedFixed:
		if req.CustomSeed == nil {
			return invalid("custom_seed", "required when seed_mode is fixed", nil)
		}
		p.SeedMode, p.Seed = types.SeedFixed, req.CustomSeed
	case types.SeedRandom:
		p.SeedMode = types.SeedRandom
	case "":
		if req.CustomSeed != nil {
			p.SeedMode, p.Seed = types.SeedFixed, req.CustomSeed
		}
	default:
		return invalid("seed_mode", fmt.Sprintf("unknown value %q", req.SeedMode), nil)
	}
	if p.Seed != nil && (*p.Seed < 0 || *p.Seed > 1<<32-1) {
		return invalid("custom_seed", "must be a 32-bit unsigned value", nil)
	}
	return nil
}

func acceptMedia(requested string, cfg *schemas.ResolvedConfig) (types.MediaKind, error) {
	if requested == "" {
		return cfg.DefaultMedia(), nil
	}
	media, err := types.ParseMediaKind(requested)
	if err != nil {
		return "", invalid("media_kind", "unknown value", err)
	}
	if media == types.MediaText {
		return "", invalid("media_kind", "text is not an output media kind", nil)
	}
	for _, m := range cfg.SupportedMedia() {
		if m == media {
			return media, nil
		}
	}
	return "", invalid("media_kind", fmt.Sprintf("config %s does not produce %s", cfg.ID, media), ErrUnsupported)
}

func (o *Orchestrator) acceptOutput(snap *schemas.Snapshot, explicit string, p *Plan) (*schemas.ResolvedConfig, error) {
	if explicit != "" {
		out, ok := snap.Outputs[explicit]
		if !ok {
			return nil, invalid("output_config", fmt.Sprintf("unknown output config %q", explicit), schemas.ErrNotFound)
		}
		if out.MediaKind.ServedAs() != p.Media.ServedAs() {
			return nil, invalid("output_config", fmt.Sprintf("%s produces %s, not %s", out.ID, out.MediaKind, p.Media), ErrUnsupported)
		}
		return out, nil
	}

	choice, err := snap.DefaultOutput(p.Config, p.Media, p.Mode)
	if err != nil {
		return nil, invalid("media_kind", fmt.Sprintf("no output for %s in %s mode", p.Media, p.Mode), err)
	}
	id, err := choice.Resolve(p.VRAMGB, p.VRAMKnown)
	if err != nil {
		return nil, invalid("media_kind", fmt.Sprintf("%s in %s mode is not available", p.Media, p.Mode), err)
	}
	out, ok := snap.Outputs[id]
	if !ok {
		return nil, invalid("output_config", fmt.Sprintf("unknown output config %q", id), schemas.ErrNotFound)
	}
	return out, nil
}

func (o *Orchestrator) acceptStage3(snap *schemas.Snapshot, cfg *schemas.ResolvedConfig) (*schemas.ChunkTemplate, error) {
	if !cfg.Pipeline.Participates(3) {
		return nil, nil
	}
	name := cfg.Stage3Chunk
	if name == "" {
		name = DefaultStage3Chunk
	}
	chunk, ok := snap.Chunks[name]
	if !ok {
		if cfg.Stage3Chunk == "" {
			o.logger.Warn("default stage 3 chunk missing, stage 3 is skipped", zap.String("chunk", name))
			return nil, nil
		}
		return nil, invalid("config_id", fmt.Sprintf("stage 3 chunk %q is missing", name), schemas.ErrNotFound)
	}
	return chunk, nil
}

// acceptModels resolves a model for every LLM chunk the run will build.
func (o *Orchestrator) acceptModels(p *Plan) error {
	p.Models = map[string]chunks.ModelChoice{}
	need := func(chunk *schemas.ChunkTemplate, stage int) error {
		if chunk.BackendKind != types.BackendLLM || chunk.InstructionType == schemas.InstructionPassthrough {
			return nil
		}
		role := RoleOf(chunk, stage)
		if _, done := p.Models[role]; done {
			return nil
		}
		choice, err := o.models.Resolve(role, p.Mode, p.VRAMGB, p.VRAMKnown)
		if err != nil {
			return invalid("execution_mode", fmt.Sprintf("no %s model for %s", role, p.Mode), err)
		}
		p.Models[role] = choice
		return nil
	}

	cfg := p.Config
	if !cfg.SkipStage2() && cfg.InstructionType != schemas.InstructionPassthrough {
		for _, step := range cfg.Steps {
			if err := need(step.Chunk, 2); err != nil {
				return err
			}
		}
	}
	if p.Stage3 != nil {
		if err := need(p.Stage3, 3); err != nil {
			return err
		}
	}
	for _, step := range p.Output.Steps {
		if err := need(step.Chunk, 4); err != nil {
			return err
		}
	}
	return nil
}

// decodeImage accepts raw base64 or a data URL holding an image.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, invalid("image", "malformed data url", nil)
		}
		s = payload
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, invalid("image", "not valid base64", err)
	}
	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
		return nil, invalid("image", fmt.Sprintf("expected an image, got %s", mt.String()), nil)
	}
	return data, nil
}

func acceptAspect(aspect string, media types.MediaKind) (map[string]any, error) {
	if aspect == "" || (media != types.MediaImage && media != types.MediaVideo) {
		return nil, nil
	}
	w, h, err := chunks.Dimensions(aspect, defaultImageSide)
	if err != nil {
		return nil, invalid("aspect_ratio", "unsupported value", err)
	}
	return map[string]any{"width": w, "height": h}, nil
}

// IsRequestInvalid reports whether err rejected a request before it ran.
func IsRequestInvalid(err error) bool {
	var ri *RequestInvalidError
	return errors.As(err, &ri)
}
