package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepCopyIsolatesNestedValues(t *testing.T) {
	src := map[string]any{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs":     map[string]any{"seed": 1.0, "model": []any{"4", 0.0}},
		},
	}
	cp := CopyMap(src)
	cp["3"].(map[string]any)["inputs"].(map[string]any)["seed"] = 42.0
	cp["3"].(map[string]any)["inputs"].(map[string]any)["model"].([]any)[0] = "9"

	inputs := src["3"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, 1.0, inputs["seed"])
	assert.Equal(t, "4", inputs["model"].([]any)[0])
}

func TestMerge(t *testing.T) {
	out := Merge(map[string]any{"steps": 20, "cfg": 7.0}, map[string]any{"steps": 30})
	assert.Equal(t, 30, out["steps"])
	assert.Equal(t, 7.0, out["cfg"])
}
