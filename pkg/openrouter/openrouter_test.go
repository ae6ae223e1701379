package openrouter

import (
	"context"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "ok", cfg: Config{APIKey: "k", Model: "openai/gpt-4o-mini"}},
		{name: "missing key", cfg: Config{Model: "openai/gpt-4o-mini"}, wantErr: true},
		{name: "blank model", cfg: Config{APIKey: "k", Model: "  "}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Parallel()

	if c := NewClient(Config{APIKey: "   "}); c != nil {
		t.Fatal("expected nil client without api key")
	}
	if c := NewClient(Config{APIKey: "k", BaseURL: "https://openrouter.ai/api/v1/"}); c == nil {
		t.Fatal("expected client with api key")
	}
}

func TestNewBuildsChatModel(t *testing.T) {
	t.Parallel()

	maxTokens := 256
	cfg := Config{
		BaseURL:            "https://openrouter.ai/api/v1",
		APIKey:             "k",
		Model:              "x-ai/grok-4.1-fast",
		MaxCompletionToken: &maxTokens,
	}
	m, err := cfg.New(context.Background())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m == nil {
		t.Fatal("expected chat model")
	}

	if _, err := (&Config{}).New(context.Background()); err == nil {
		t.Fatal("expected error for empty config")
	}
}
