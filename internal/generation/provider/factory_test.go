package provider_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/genforge/internal/config"
	"github.com/kiranshivaraju/genforge/internal/generation/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_HTTP(t *testing.T) {
	cfg := config.GenerationConfig{
		Provider:       "http",
		RequestTimeout: 30 * time.Second,
		RatePerSecond:  2,
		RateBurst:      2,
		HTTP:           config.HTTPProviderConfig{BaseURL: "https://api.provider.test/v3", APIKey: "k"},
	}
	c, err := provider.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "http", c.Name())
}

func TestNewClient_Gemini(t *testing.T) {
	cfg := config.GenerationConfig{
		Provider:       "gemini",
		RequestTimeout: 30 * time.Second,
		Gemini:         config.GeminiConfig{APIKey: "test-key", ImageModel: "gemini-2.5-flash-image", VideoModel: "veo-3.0-fast-generate-001"},
	}
	c, err := provider.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "gemini", c.Name())
}

func TestNewClient_Mock(t *testing.T) {
	c, err := provider.NewClient(context.Background(), config.GenerationConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", c.Name())
}

func TestNewClient_Unknown(t *testing.T) {
	_, err := provider.NewClient(context.Background(), config.GenerationConfig{Provider: "dall-e"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown generation provider")
	assert.Contains(t, err.Error(), "dall-e")
}

func TestNewClient_Empty(t *testing.T) {
	_, err := provider.NewClient(context.Background(), config.GenerationConfig{})
	require.Error(t, err)
}
