package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	openrouterx "github.com/tanpawarit/storyweave/pkg/openrouter"
)

// ExtractorID is the override key for the Tier-2 extraction model.
const ExtractorID = "extractor"

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"1200"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.2"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"45s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	// Per-analyst overrides, e.g. LLM_MODEL_OVERRIDES=scene:openai/gpt-4o-mini,extractor:x-ai/grok-4.1-fast
	ModelOverrides       map[string]string  `envconfig:"MODEL_OVERRIDES" split_words:"true"`
	TemperatureOverrides map[string]float32 `envconfig:"TEMPERATURE_OVERRIDES" split_words:"true"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: llm api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	for id, t := range c.TemperatureOverrides {
		if t < 0 || t > 2 {
			return fmt.Errorf("%w: temperature override for %s out of range: %v", contractx.ErrValidation, id, t)
		}
	}
	return nil
}

// OpenRouterFor returns the model settings for one analyst, falling back to
// the defaults when no override exists.
func (c Config) OpenRouterFor(analystID string) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	if v := strings.TrimSpace(c.ModelOverrides[analystID]); v != "" {
		modelName = v
	}
	if v, ok := c.TemperatureOverrides[analystID]; ok {
		temp = v
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
