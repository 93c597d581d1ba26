package schemas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalizedDecoding(t *testing.T) {
	var l Localized
	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &l))
	assert.Equal(t, "plain", l.Get("de"))

	require.NoError(t, json.Unmarshal([]byte(`{"de": "Hallo", "en": "Hello"}`), &l))
	assert.Equal(t, "Hallo", l.Get("de"))
	assert.Equal(t, "Hello", l.Get("fr"))

	require.NoError(t, json.Unmarshal([]byte(`{"fr": "Bonjour"}`), &l))
	assert.Equal(t, "Bonjour", l.Get("en"))
}

func TestOutputChoiceDecoding(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		id          string
		tiers       map[int]string
		unsupported bool
		wantErr     bool
	}{
		{"plain id", `"sd35_large"`, "sd35_large", nil, false, false},
		{"null", `null`, "", nil, true, false},
		{"unsupported keyword", `"unsupported"`, "", nil, true, false},
		{"tiers", `{"vram_24": "a", "vram_8": "b"}`, "", map[int]string{24: "a", 8: "b"}, false, false},
		{"bad tier", `{"vram_x": "a"}`, "", nil, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c OutputChoice
			err := json.Unmarshal([]byte(tt.raw), &c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, c.ID)
			assert.Equal(t, tt.tiers, c.Tiers)
			assert.Equal(t, tt.unsupported, c.Unsupported)
		})
	}
}

func TestOutputChoiceResolveTiers(t *testing.T) {
	c := OutputChoice{Tiers: map[int]string{96: "huge", 24: "mid", 8: "small"}}

	got, err := c.Resolve(48, true)
	require.NoError(t, err)
	assert.Equal(t, "mid", got)

	got, err = c.Resolve(96, true)
	require.NoError(t, err)
	assert.Equal(t, "huge", got)

	got, err = c.Resolve(0, false)
	require.NoError(t, err)
	assert.Equal(t, "small", got)

	_, err = c.Resolve(6, true)
	assert.ErrorIs(t, err, ErrNoTierFits)

	assert.Equal(t, []string{"small", "mid", "huge"}, c.IDs())
}

func TestPipelineParticipates(t *testing.T) {
	p := &PipelineDef{}
	assert.True(t, p.Participates(3))
	p.StageHints = []int{4}
	assert.False(t, p.Participates(3))
	assert.True(t, p.Participates(4))
}
