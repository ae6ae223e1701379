package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	openrouterx "github.com/tanpawarit/storyweave/pkg/openrouter"
)

// Caller sends one prompt and returns the raw completion text. Failures
// wrap contract.ErrTimeout, contract.ErrQuotaExceeded,
// contract.ErrMalformedOutput or contract.ErrModelInvoke.
type Caller interface {
	Call(ctx context.Context, system, user string) (string, error)
}

// OpenAICaller calls an OpenAI compatible chat completions endpoint.
type OpenAICaller struct {
	client      *openaisdk.Client
	model       string
	maxTokens   int
	temperature float32
	logger      zerolog.Logger
}

func NewOpenAICaller(cfg openrouterx.Config) (*OpenAICaller, error) {
	client := openrouterx.NewClient(cfg)
	if client == nil {
		return nil, fmt.Errorf("%w: llm api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("%w: llm model is required", contractx.ErrValidation)
	}
	maxTokens := 0
	if cfg.MaxCompletionToken != nil {
		maxTokens = *cfg.MaxCompletionToken
	}
	return &OpenAICaller{
		client:      client,
		model:       strings.TrimSpace(cfg.Model),
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		logger:      log.With().Str("component", "llm").Str("model", cfg.Model).Logger(),
	}, nil
}

func (c *OpenAICaller) Call(ctx context.Context, system, user string) (string, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(c.model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(system),
			openaisdk.UserMessage(user),
		},
		Temperature: openaisdk.Float(float64(c.temperature)),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(int64(c.maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyCallError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: completion has no choices", contractx.ErrMalformedOutput)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: completion is empty", contractx.ErrMalformedOutput)
	}

	c.logger.Debug().
		Int64("prompt_tokens", resp.Usage.PromptTokens).
		Int64("completion_tokens", resp.Usage.CompletionTokens).
		Msg("completion received")
	return text, nil
}

func classifyCallError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", contractx.ErrTimeout, err)
	}

	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusPaymentRequired,
			apiErr.Code == "insufficient_quota",
			apiErr.Type == "insufficient_quota":
			return fmt.Errorf("%w: status=%d code=%s", contractx.ErrQuotaExceeded, apiErr.StatusCode, apiErr.Code)
		case apiErr.StatusCode == http.StatusRequestTimeout, apiErr.StatusCode == http.StatusGatewayTimeout:
			return fmt.Errorf("%w: status=%d", contractx.ErrTimeout, apiErr.StatusCode)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			// Rate limits are transient; the next batch may call again.
			return fmt.Errorf("%w: rate limited: %v", contractx.ErrModelInvoke, err)
		}
	}
	return ClassifyMessage(err)
}

// ClassifyMessage maps provider errors that only surface as text (for example
// through an eino chat model) onto the contract sentinels.
func ClassifyMessage(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, contractx.ErrTimeout) || errors.Is(err, contractx.ErrQuotaExceeded) ||
		errors.Is(err, contractx.ErrMalformedOutput) || errors.Is(err, contractx.ErrModelInvoke) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", contractx.ErrTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case isQuotaMessage(msg):
		return fmt.Errorf("%w: %v", contractx.ErrQuotaExceeded, err)
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", contractx.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
}

// quotaMarkers only name an exhausted account or credit balance. Rate limits
// (429) are not quota.
var quotaMarkers = []string{
	"insufficient_quota",
	"insufficient credits",
	"exceeded your current quota",
	"status code: 402",
	"status code 402",
	"402 payment required",
}

func isQuotaMessage(msg string) bool {
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
