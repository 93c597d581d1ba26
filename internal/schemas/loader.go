// Package schemas loads chunk, pipeline and config definitions from disk and
// resolves configs into inlined execution plans.
package schemas

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/jsonutil"

	"go.uber.org/zap"
)

const (
	DirPipelines    = "pipelines"
	DirChunks       = "chunks"
	DirInterception = "configs/interception"
	DirOutput       = "configs/output"
	DefaultsFile    = "output_config_defaults.json"
)

// Snapshot is one immutable load cycle of the schemas tree.
type Snapshot struct {
	Root      string
	LoadedAt  time.Time
	Chunks    map[string]*ChunkTemplate
	Pipelines map[string]*PipelineDef
	Configs   map[string]*ResolvedConfig
	Outputs   map[string]*ResolvedConfig
	Defaults  OutputDefaults
	Problems  []*ConfigError
}

type Loader struct {
	root    string
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]
}

func NewLoader(root string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{root: root, logger: logger}
}

func (l *Loader) Root() string {
	return l.root
}

// LoadAll reads the whole tree and atomically replaces the active snapshot.
// Broken definitions are dropped and reported in Snapshot.Problems; only an
// unreadable root is an error.
func (l *Loader) LoadAll() (*Snapshot, error) {
	snap, err := Build(l.root)
	if err != nil {
		return nil, err
	}

	for _, p := range snap.Problems {
		l.logger.Error("dropped definition", zap.String("kind", p.Kind), zap.String("name", p.Name), zap.Error(p))
	}
	l.logger.Info("schemas loaded",
		zap.Int("chunks", len(snap.Chunks)),
		zap.Int("pipelines", len(snap.Pipelines)),
		zap.Int("configs", len(snap.Configs)),
		zap.Int("outputs", len(snap.Outputs)),
		zap.Int("problems", len(snap.Problems)),
	)

	l.current.Store(snap)
	return snap, nil
}

// Reload is LoadAll under the name the HTTP surface uses.
func (l *Loader) Reload() (*Snapshot, error) {
	return l.LoadAll()
}

// Snapshot returns the active snapshot or nil before the first load.
func (l *Loader) Snapshot() *Snapshot {
	return l.current.Load()
}

// Swap installs a prebuilt snapshot. Tests use it to skip the filesystem.
func (l *Loader) Swap(s *Snapshot) {
	l.current.Store(s)
}

func (l *Loader) snapshot() (*Snapshot, error) {
	s := l.current.Load()
	if s == nil {
		return nil, ErrNotLoaded
	}
	return s, nil
}

func (l *Loader) GetPipeline(name string) (*PipelineDef, error) {
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	p, ok := s.Pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", name, ErrNotFound)
	}
	return p, nil
}

func (l *Loader) GetConfig(id string) (*ResolvedConfig, error) {
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	c, ok := s.Configs[id]
	if !ok {
		return nil, fmt.Errorf("config %q: %w", id, ErrNotFound)
	}
	return c, nil
}

func (l *Loader) GetOutputConfig(id string) (*ResolvedConfig, error) {
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	c, ok := s.Outputs[id]
	if !ok {
		return nil, fmt.Errorf("output config %q: %w", id, ErrNotFound)
	}
	return c, nil
}

func (l *Loader) GetChunk(name string) (*ChunkTemplate, error) {
	s, err := l.snapshot()
	if err != nil {
		return nil, err
	}
	c, ok := s.Chunks[name]
	if !ok {
		return nil, fmt.Errorf("chunk %q: %w", name, ErrNotFound)
	}
	return c, nil
}

// ListConfigs returns the visible interception configs ordered by id.
func (l *Loader) ListConfigs() []*ResolvedConfig {
	s := l.current.Load()
	if s == nil {
		return nil
	}
	out := make([]*ResolvedConfig, 0, len(s.Configs))
	for _, c := range s.Configs {
		if !c.Hidden {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultOutput finds the output choice for a config, media kind and mode:
// the config's own media preferences first, then the global defaults file.
func (s *Snapshot) DefaultOutput(cfg *ResolvedConfig, media types.MediaKind, mode types.ExecutionMode) (OutputChoice, error) {
	if cfg != nil {
		if byMode, ok := cfg.MediaPreferences.DefaultOutput[media]; ok {
			if choice, ok := byMode[mode]; ok {
				return choice, nil
			}
		}
	}
	if byMode, ok := s.Defaults[media]; ok {
		if choice, ok := byMode[mode]; ok {
			return choice, nil
		}
	}
	return OutputChoice{}, fmt.Errorf("%w: %s/%s", ErrNoOutputForMK, media, mode)
}

// Build reads root into a fresh snapshot without touching any loader.
func Build(root string) (*Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("schemas root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schemas root %s is not a directory", root)
	}

	s := &Snapshot{
		Root:      root,
		LoadedAt:  time.Now().UTC(),
		Chunks:    map[string]*ChunkTemplate{},
		Pipelines: map[string]*PipelineDef{},
		Configs:   map[string]*ResolvedConfig{},
		Outputs:   map[string]*ResolvedConfig{},
		Defaults:  OutputDefaults{},
	}

	s.loadChunks(filepath.Join(root, DirChunks))
	s.loadPipelines(filepath.Join(root, DirPipelines))
	s.loadConfigs(filepath.Join(root, DirOutput), CategoryOutput, s.Outputs)
	s.loadConfigs(filepath.Join(root, DirInterception), CategoryInterception, s.Configs)
	s.loadDefaults(filepath.Join(root, DefaultsFile))
	s.checkOutputReferences()

	return s, nil
}

func (s *Snapshot) problem(kind, name, path, reason string, err error) {
	s.Problems = append(s.Problems, &ConfigError{Kind: kind, Name: name, Path: path, Reason: reason, Err: err})
}

// jsonFiles lists *.json files of dir in name order; a missing dir is empty.
func jsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func stem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func readValidated(kind, path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ValidateDocument(kind, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Snapshot) loadChunks(dir string) {
	files, err := jsonFiles(dir)
	if err != nil {
		s.problem(docChunk, "", dir, "unreadable directory", err)
		return
	}
	for _, path := range files {
		c := &ChunkTemplate{}
		if err := readValidated(docChunk, path, c); err != nil {
			s.problem(docChunk, stem(path), path, "invalid file", err)
			continue
		}
		if c.Name == "" {
			c.Name = stem(path)
		}
		if err := normalizeChunk(c); err != nil {
			s.problem(docChunk, c.Name, path, "invalid definition", err)
			continue
		}
		if _, dup := s.Chunks[c.Name]; dup {
			s.problem(docChunk, c.Name, path, "duplicate name", nil)
			continue
		}
		s.Chunks[c.Name] = c
	}
}

func normalizeChunk(c *ChunkTemplate) error {
	kind, err := types.ParseBackendKind(string(c.BackendKind))
	if err != nil {
		return err
	}
	c.BackendKind = kind

	media, err := types.ParseMediaKind(string(c.MediaKind))
	if err != nil {
		return err
	}
	c.MediaKind = media

	switch kind {
	case types.BackendWorkflow:
		if len(c.Workflow) == 0 {
			return errors.New("workflow chunk has no workflow graph")
		}
		if len(c.InputMappings) == 0 {
			return errors.New("workflow chunk has no input_mappings")
		}
		for key, m := range c.InputMappings {
			node, ok := c.Workflow[m.NodeID].(map[string]any)
			if !ok {
				return fmt.Errorf("input mapping %q targets missing node %q", key, m.NodeID)
			}
			if _, ok := node["inputs"].(map[string]any); !ok {
				return fmt.Errorf("node %q has no inputs object", m.NodeID)
			}
		}
	case types.BackendPyCode:
		if c.PyChunk == "" {
			c.PyChunk = c.Name
		}
	case types.BackendGPUService:
		if c.Endpoint == "" {
			return errors.New("gpu_service chunk has no endpoint")
		}
	}

	if kind.IsText() && c.MediaKind != types.MediaText {
		return fmt.Errorf("text backend %s cannot produce %s", kind, c.MediaKind)
	}
	if c.Defaults == nil {
		c.Defaults = map[string]any{}
	}
	return nil
}

func (s *Snapshot) loadPipelines(dir string) {
	files, err := jsonFiles(dir)
	if err != nil {
		s.problem(docPipeline, "", dir, "unreadable directory", err)
		return
	}
	for _, path := range files {
		p := &PipelineDef{}
		if err := readValidated(docPipeline, path, p); err != nil {
			s.problem(docPipeline, stem(path), path, "invalid file", err)
			continue
		}
		if p.Name == "" {
			p.Name = stem(path)
		}
		missing := s.missingChunks(p.Chunks)
		if len(missing) > 0 {
			s.problem(docPipeline, p.Name, path, "references unknown chunks "+strings.Join(missing, ", "), nil)
			continue
		}
		if p.Type == PipelineTypeDualEncoder && len(p.Chunks) != 3 {
			s.problem(docPipeline, p.Name, path, "dual_encoder pipelines need exactly three chunks", nil)
			continue
		}
		s.Pipelines[p.Name] = p
	}
}

func (s *Snapshot) missingChunks(names []string) []string {
	var missing []string
	for _, name := range names {
		if _, ok := s.Chunks[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func (s *Snapshot) loadConfigs(dir, category string, into map[string]*ResolvedConfig) {
	files, err := jsonFiles(dir)
	if err != nil {
		s.problem(docConfig, "", dir, "unreadable directory", err)
		return
	}
	for _, path := range files {
		c := &ConfigDef{}
		if err := readValidated(docConfig, path, c); err != nil {
			s.problem(docConfig, stem(path), path, "invalid file", err)
			continue
		}
		if c.ID == "" {
			c.ID = stem(path)
		}
		resolved, err := s.resolve(c, category)
		if err != nil {
			s.problem(docConfig, c.ID, path, "unresolvable", err)
			continue
		}
		resolved.Source = path
		if _, dup := into[c.ID]; dup {
			s.problem(docConfig, c.ID, path, "duplicate id", nil)
			continue
		}
		into[c.ID] = resolved
	}
}

func (s *Snapshot) resolve(c *ConfigDef, category string) (*ResolvedConfig, error) {
	p, ok := s.Pipelines[c.Pipeline]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", c.Pipeline, ErrNotFound)
	}

	if c.Stage3Chunk != "" {
		if _, ok := s.Chunks[c.Stage3Chunk]; !ok {
			return nil, fmt.Errorf("stage3 chunk %q: %w", c.Stage3Chunk, ErrNotFound)
		}
	}

	r := &ResolvedConfig{
		ID:              c.ID,
		Category:        category,
		Name:            c.Name,
		Description:     c.Description,
		Context:         c.Context,
		Parameters:      jsonutil.CopyMap(c.Parameters),
		Placeholders:    c.Placeholders,
		Properties:      c.Properties,
		InstructionType: c.InstructionType,
		Stage3Chunk:     c.Stage3Chunk,
		MediaKind:       c.MediaKind,
		Pipeline:        p,
		Hidden:          c.Hidden,
	}
	if r.Name == nil {
		r.Name = Localized{"en": c.ID}
	}
	if r.InstructionType == "" {
		r.InstructionType = InstructionArtistic
	}
	if c.MediaPreferences != nil {
		r.MediaPreferences = *c.MediaPreferences
	}

	for i, name := range p.Chunks {
		chunk := s.Chunks[name]
		r.Steps = append(r.Steps, ResolvedStep{
			Index:      i,
			ChunkName:  name,
			Chunk:      chunk,
			Parameters: jsonutil.Merge(chunk.Defaults, c.Parameters),
		})
	}

	if category == CategoryOutput {
		if len(r.Steps) == 0 {
			return nil, errors.New("output config pipeline has no chunks")
		}
		last := r.Steps[len(r.Steps)-1].Chunk
		if !last.IsGenerator() && last.BackendKind != types.BackendPyCode {
			return nil, fmt.Errorf("output pipeline must end in a generator chunk, %q produces %s", last.Name, last.MediaKind)
		}
		if r.MediaKind == "" || r.MediaKind == types.MediaText {
			r.MediaKind = last.MediaKind
		}
	}
	return r, nil
}

func (s *Snapshot) loadDefaults(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.problem("defaults", DefaultsFile, path, "unreadable", err)
		}
		return
	}
	defaults := OutputDefaults{}
	if err := json.Unmarshal(data, &defaults); err != nil {
		s.problem("defaults", DefaultsFile, path, "invalid file", err)
		return
	}
	s.Defaults = defaults
}

// checkOutputReferences drops default entries that point at unknown output
// configs so the resolver never hands out a dangling id.
func (s *Snapshot) checkOutputReferences() {
	for media, byMode := range s.Defaults {
		for mode, choice := range byMode {
			for _, id := range choice.IDs() {
				if _, ok := s.Outputs[id]; !ok {
					s.problem("defaults", fmt.Sprintf("%s/%s", media, mode), filepath.Join(s.Root, DefaultsFile),
						fmt.Sprintf("unknown output config %q", id), nil)
					delete(byMode, mode)
					break
				}
			}
		}
	}
	for _, cfg := range s.Configs {
		for media, byMode := range cfg.MediaPreferences.DefaultOutput {
			for mode, choice := range byMode {
				for _, id := range choice.IDs() {
					if _, ok := s.Outputs[id]; !ok {
						s.problem(docConfig, cfg.ID, cfg.Source,
							fmt.Sprintf("default_output %s/%s names unknown output config %q", media, mode, id), nil)
						delete(byMode, mode)
						break
					}
				}
			}
		}
	}
}
