package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	logx "github.com/tanpawarit/storyweave/pkg/logger"
)

const (
	defaultKeyPrefix     = "storyweave:analysis:"
	defaultRecordTTL     = 7 * 24 * time.Hour
	maxResponseSizeBytes = 4 << 20
)

var ErrInvalidKey = errors.New("cache key is empty")

type UpstashConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

type UpstashOption func(*UpstashStore)

func WithKeyPrefix(prefix string) UpstashOption {
	return func(s *UpstashStore) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) UpstashOption {
	return func(s *UpstashStore) {
		s.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) UpstashOption {
	return func(s *UpstashStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func WithUpstashLogger(logger zerolog.Logger) UpstashOption {
	return func(s *UpstashStore) {
		s.logger = logger
	}
}

// UpstashStore keeps the record of one story in Upstash Redis over its REST
// API. The record is stored as a JSON string under keyPrefix+story.
type UpstashStore struct {
	baseURL    string
	token      string
	story      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
	logger     zerolog.Logger
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewUpstashStore(cfg UpstashConfig, story string, opts ...UpstashOption) (*UpstashStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}
	if strings.TrimSpace(story) == "" {
		return nil, ErrInvalidKey
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &UpstashStore{
		baseURL:    baseURL,
		token:      token,
		story:      strings.TrimSpace(story),
		httpClient: &http.Client{Timeout: timeout},
		keyPrefix:  defaultKeyPrefix,
		ttl:        defaultRecordTTL,
		logger:     logx.Component("cache").With().Str("backend", "upstash").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return s, nil
}

func (s *UpstashStore) key() string {
	return s.keyPrefix + s.story
}

func (s *UpstashStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", contractx.ErrWriteFailure)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	payload, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record: %v", contractx.ErrWriteFailure, err)
	}

	cmd := []any{"SET", s.key(), string(payload)}
	if s.ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(s.ttl))
	}
	if _, err := s.exec(ctx, cmd); err != nil {
		s.logger.Error().Err(err).Str("key", s.key()).Msg("failed to write analysis cache")
		return fmt.Errorf("%w: %v", contractx.ErrWriteFailure, err)
	}
	return nil
}

func (s *UpstashStore) Load(ctx context.Context) *Record {
	resp, err := s.exec(ctx, []any{"GET", s.key()})
	if err != nil {
		s.logger.Warn().Err(err).Str("key", s.key()).Msg("analysis cache unreachable, starting empty")
		return Empty()
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return Empty()
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		s.logger.Warn().Err(err).Str("key", s.key()).Msg("analysis cache payload is not a string")
		return Empty()
	}

	rec, err := decodeRecord([]byte(encoded))
	if err != nil {
		s.logger.Warn().Err(err).Str("key", s.key()).Msg("analysis cache ignored, starting empty")
		return Empty()
	}
	return rec
}

func (s *UpstashStore) Clear(ctx context.Context) error {
	if _, err := s.exec(ctx, []any{"DEL", s.key()}); err != nil {
		return fmt.Errorf("%w: %v", contractx.ErrWriteFailure, err)
	}
	return nil
}

func (s *UpstashStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
