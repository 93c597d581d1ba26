package chunks

import (
	"errors"
	"fmt"
	"sort"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/utils/jsonutil"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrCycle        = errors.New("cycle detected")
)

// Graph is a workflow graph in the generator's API format: node id ->
// {"class_type": ..., "inputs": {...}}. An input whose value is
// [node_id, output_index] links to another node.
type Graph map[string]any

// CloneGraph deep-copies a template graph so materialization never touches
// the shared, loaded definition.
func CloneGraph(src map[string]any) Graph {
	return Graph(jsonutil.CopyMap(src))
}

func (g Graph) inputs(nodeID string) (map[string]any, error) {
	node, ok := g[nodeID].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		inputs = map[string]any{}
		node["inputs"] = inputs
	}
	return inputs, nil
}

// Set writes value into inputs[field] of node nodeID.
func (g Graph) Set(nodeID, field string, value any) error {
	inputs, err := g.inputs(nodeID)
	if err != nil {
		return err
	}
	inputs[field] = value
	return nil
}

func (g Graph) Get(nodeID, field string) (any, bool) {
	inputs, err := g.inputs(nodeID)
	if err != nil {
		return nil, false
	}
	v, ok := inputs[field]
	return v, ok
}

func (g Graph) ClassType(nodeID string) string {
	node, _ := g[nodeID].(map[string]any)
	ct, _ := node["class_type"].(string)
	return ct
}

// link reports whether v is a [node_id, index] reference.
func link(v any) (string, bool) {
	ref, ok := v.([]any)
	if !ok || len(ref) != 2 {
		return "", false
	}
	id, ok := ref[0].(string)
	if !ok {
		return "", false
	}
	switch ref[1].(type) {
	case float64, int, int64:
		return id, true
	}
	return "", false
}

func (g Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OrderNodes returns node ids in dependency order and fails on dangling links
// or cycles.
func (g Graph) OrderNodes() ([]string, error) {
	ordered := make([]string, 0, len(g))
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if visiting[id] {
			return fmt.Errorf("%w at node: %s", ErrCycle, id)
		}
		if visited[id] {
			return nil
		}

		inputs, err := g.inputs(id)
		if err != nil {
			return err
		}

		visiting[id] = true
		fields := make([]string, 0, len(inputs))
		for f := range inputs {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			if dep, ok := link(inputs[f]); ok {
				if _, exists := g[dep]; !exists {
					return fmt.Errorf("%w: %s (linked from %s.%s)", ErrNodeNotFound, dep, id, f)
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		visiting[id] = false
		visited[id] = true

		ordered = append(ordered, id)
		return nil
	}

	for _, id := range g.sortedIDs() {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Validate is OrderNodes without the result.
func (g Graph) Validate() error {
	_, err := g.OrderNodes()
	return err
}
