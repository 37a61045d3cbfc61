// Package provider builds the process-wide GenerationClient from config.
package provider

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/genforge/internal/config"
	"github.com/kiranshivaraju/genforge/internal/generation"
	"github.com/kiranshivaraju/genforge/internal/generation/gemini"
	"github.com/kiranshivaraju/genforge/internal/generation/httpapi"
	"github.com/kiranshivaraju/genforge/internal/generation/mock"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// NewClient constructs the configured generation client wrapped in the
// shared rate limiter. Called once at server startup.
func NewClient(ctx context.Context, cfg config.GenerationConfig) (models.GenerationClient, error) {
	var client models.GenerationClient
	switch cfg.Provider {
	case "http":
		client = httpapi.NewClient(cfg.HTTP, cfg.RequestTimeout)
	case "gemini":
		gc, err := gemini.NewClient(ctx, cfg.Gemini, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		client = gc
	case "mock":
		client = mock.NewMockClient()
	default:
		return nil, fmt.Errorf("unknown generation provider %q: must be one of http, gemini, mock", cfg.Provider)
	}
	return generation.NewThrottle(client, cfg.RatePerSecond, cfg.RateBurst), nil
}
