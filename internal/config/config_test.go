package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecretsMasked(t *testing.T) {
	s := &Secrets{OpenAI: "sk-abcdefghxyz", Stability: "tiny"}
	assert.Equal(t, map[string]string{
		"openai":    "sk-********xyz",
		"stability": "****",
	}, s.Masked())

	var none *Secrets
	assert.Empty(t, none.Masked())
}

func TestCloudKeyFollowsProvider(t *testing.T) {
	cfg := &Config{CloudProvider: ProviderOpenAI, Secrets: &Secrets{OpenAI: "a", OpenRouter: "b"}}
	assert.Equal(t, "a", cfg.CloudKey())
	cfg.CloudProvider = ProviderOpenRouter
	assert.Equal(t, "b", cfg.CloudKey())
}
