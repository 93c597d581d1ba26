package chunks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderNodes(t *testing.T) {
	g := Graph{
		"9": map[string]any{"class_type": "SaveImage", "inputs": map[string]any{"images": []any{"8", 0.0}}},
		"8": map[string]any{"class_type": "VAEDecode", "inputs": map[string]any{"samples": []any{"3", 0.0}}},
		"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 1.0}},
	}
	order, err := g.OrderNodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "8", "9"}, order)
	assert.Equal(t, "KSampler", g.ClassType("3"))
}

func TestOrderNodesErrors(t *testing.T) {
	cyclic := Graph{
		"1": map[string]any{"inputs": map[string]any{"a": []any{"2", 0.0}}},
		"2": map[string]any{"inputs": map[string]any{"b": []any{"1", 0.0}}},
	}
	assert.ErrorIs(t, cyclic.Validate(), ErrCycle)

	dangling := Graph{
		"1": map[string]any{"inputs": map[string]any{"a": []any{"7", 0.0}}},
	}
	assert.ErrorIs(t, dangling.Validate(), ErrNodeNotFound)
}

func TestSetMissingNode(t *testing.T) {
	g := Graph{"1": map[string]any{"inputs": map[string]any{}}}
	require.NoError(t, g.Set("1", "text", "hi"))
	assert.ErrorIs(t, g.Set("2", "text", "hi"), ErrNodeNotFound)
}

func TestLinkDetectionIgnoresPlainLists(t *testing.T) {
	g := Graph{
		"1": map[string]any{"inputs": map[string]any{"sizes": []any{512.0, 512.0}, "names": []any{"a", "b"}}},
	}
	assert.NoError(t, g.Validate())
}
