package orchestrator

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

const (
	CacheBackendFile    = "file"
	CacheBackendUpstash = "upstash"
)

// Config is the ANALYSIS section.
type Config struct {
	AgentTimeoutSeconds      int           `envconfig:"AGENT_TIMEOUT_SECONDS" split_words:"true" default:"30"`
	MaxBackgroundWorkers     int           `envconfig:"MAX_BACKGROUND_WORKERS" split_words:"true" default:"4"`
	MaxImmediateWorkers      int           `envconfig:"MAX_IMMEDIATE_WORKERS" split_words:"true" default:"2"`
	AllowPartialSuccess      bool          `envconfig:"ALLOW_PARTIAL_SUCCESS" split_words:"true" default:"true"`
	ExtractionCandidateLimit int           `envconfig:"EXTRACTION_CANDIDATE_LIMIT" split_words:"true" default:"5"`
	ExtractionTokenBudget    int           `envconfig:"EXTRACTION_TOKEN_BUDGET" split_words:"true" default:"200"`
	StaleThresholdTurns      int           `envconfig:"STALE_THRESHOLD_TURNS" split_words:"true" default:"3"`
	QuotaCooldown            time.Duration `envconfig:"QUOTA_COOLDOWN" split_words:"true" default:"10m"`

	CacheBackend string `envconfig:"CACHE_BACKEND" split_words:"true" default:"file"`
	CachePath    string `envconfig:"CACHE_PATH" split_words:"true" default:".storyweave/analysis_cache.json"`

	SessionID   string `envconfig:"SESSION_ID" split_words:"true" default:"default"`
	Protagonist string `envconfig:"PROTAGONIST" split_words:"true"`
}

func (c Config) Validate() error {
	switch {
	case c.AgentTimeoutSeconds <= 0:
		return fmt.Errorf("%w: agent timeout must be positive", contractx.ErrValidation)
	case c.MaxBackgroundWorkers <= 0 || c.MaxImmediateWorkers <= 0:
		return fmt.Errorf("%w: worker counts must be positive", contractx.ErrValidation)
	case c.ExtractionCandidateLimit <= 0:
		return fmt.Errorf("%w: extraction candidate limit must be positive", contractx.ErrValidation)
	case c.ExtractionTokenBudget <= 0:
		return fmt.Errorf("%w: extraction token budget must be positive", contractx.ErrValidation)
	case c.StaleThresholdTurns < 0:
		return fmt.Errorf("%w: stale threshold must not be negative", contractx.ErrValidation)
	}

	switch strings.ToLower(strings.TrimSpace(c.CacheBackend)) {
	case CacheBackendFile:
		if strings.TrimSpace(c.CachePath) == "" {
			return fmt.Errorf("%w: cache path is required for the file backend", contractx.ErrValidation)
		}
	case CacheBackendUpstash:
	default:
		return fmt.Errorf("%w: unknown cache backend %q", contractx.ErrValidation, c.CacheBackend)
	}
	return nil
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		AgentTimeoutSeconds:      30,
		MaxBackgroundWorkers:     4,
		MaxImmediateWorkers:      2,
		AllowPartialSuccess:      true,
		ExtractionCandidateLimit: 5,
		ExtractionTokenBudget:    200,
		StaleThresholdTurns:      3,
		QuotaCooldown:            10 * time.Minute,
		CacheBackend:             CacheBackendFile,
		CachePath:                ".storyweave/analysis_cache.json",
		SessionID:                "default",
	}
}
