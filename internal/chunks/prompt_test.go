package chunks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptString(t *testing.T) {
	p := Prompt{Task: "Do it.", Context: "Dada.", Input: "a cat"}
	assert.Equal(t, "Task:\nDo it.\n\nContext:\nDada.\n\nPrompt:\na cat", p.String())
}

func TestParsePromptRoundTripWithNewlinesInInput(t *testing.T) {
	p := Prompt{Task: "T", Context: "C", Input: "line one\n\nPrompt:\nline two"}
	got, ok := ParsePrompt(p.String())
	require.True(t, ok)
	assert.Equal(t, "T", got.Task)
	assert.Equal(t, "C", got.Context)

	_, ok = ParsePrompt("just text")
	assert.False(t, ok)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"INPUT_TEXT", "CONTEXT"}, Placeholders("{{INPUT_TEXT}} {{ context }} {{INPUT_TEXT}}"))
	assert.True(t, HasPlaceholders("x {{A}}"))
	assert.False(t, HasPlaceholders("x {A}"))

	out, missing := render("{{A}}-{{B}}", func(name string) (string, bool) {
		if name == "A" {
			return "a", true
		}
		return "", false
	})
	assert.Equal(t, "a-", out)
	assert.Equal(t, []string{"B"}, missing)
}

func TestDimensions(t *testing.T) {
	tests := []struct {
		aspect string
		w, h   int
	}{
		{"", 1024, 1024},
		{"1:1", 1024, 1024},
		{"16:9", 1344, 768},
		{"9:16", 768, 1344},
		{"3:2", 1280, 832},
	}
	for _, tt := range tests {
		t.Run(tt.aspect, func(t *testing.T) {
			w, h, err := Dimensions(tt.aspect, 1024)
			require.NoError(t, err)
			assert.Equal(t, tt.w, w)
			assert.Equal(t, tt.h, h)
		})
	}

	_, _, err := Dimensions("wide", 1024)
	assert.Error(t, err)
}
