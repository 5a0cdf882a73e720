package provider

import (
	"context"
	"fmt"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
	openai_provider "github.com/Research-as-a-Code/Research-as-a-Code/provider/openai"
)

// ModelInfo describes a configured model.
type ModelInfo = openai_provider.ModelInfo

// LLMProvider is the interface that all LLM implementations must satisfy
type LLMProvider interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)
	GetAvailableModels() []string
	GetModelInfo(model string) (ModelInfo, error)
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// NewLLMProvider creates a new LLM provider based on configuration
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	for _, p := range cfg.Providers {
		switch p.Type {
		case "openai":
			return openai_provider.NewProvider(p), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", p.Type)
		}
	}

	return nil, fmt.Errorf("no valid LLM providers found")
}
