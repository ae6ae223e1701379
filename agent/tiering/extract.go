package tiering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	"github.com/tanpawarit/storyweave/agent/llm"
	poolx "github.com/tanpawarit/storyweave/agent/pool"
	promptx "github.com/tanpawarit/storyweave/agent/prompt"
	storex "github.com/tanpawarit/storyweave/agent/store"
)

const (
	// charsPerToken approximates tokenizer output for English prose.
	charsPerToken = 4

	defaultCallTimeout = 30 * time.Second
)

// Extractor reduces an entity sheet to a summary of at most budget tokens
// focused on keywords.
type Extractor interface {
	Extract(ctx context.Context, e storex.Entity, keywords []string, budget int) (string, error)
}

// HeuristicExtractor keeps the identity line and the facts and traits that
// share the most keywords, until the budget is spent.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(_ context.Context, e storex.Entity, keywords []string, budget int) (string, error) {
	limit := budget * charsPerToken
	if limit <= 0 {
		return "", nil
	}

	head := e.Name
	if s := strings.TrimSpace(e.Summary); s != "" {
		head += ": " + s
	}

	kw := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		kw[k] = struct{}{}
	}

	type line struct {
		text string
		hits int
		pos  int
	}
	var lines []line
	for _, f := range e.Facts {
		if f = strings.TrimSpace(f); f != "" {
			lines = append(lines, line{text: f, pos: len(lines)})
		}
	}
	if len(e.Traits) > 0 {
		lines = append(lines, line{text: "Traits: " + strings.Join(e.Traits, ", "), pos: len(lines)})
	}
	for i := range lines {
		for _, w := range Keywords(lines[i].text) {
			if _, ok := kw[w]; ok {
				lines[i].hits++
			}
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].hits != lines[j].hits {
			return lines[i].hits > lines[j].hits
		}
		return lines[i].pos < lines[j].pos
	})

	var b strings.Builder
	b.WriteString(truncate(head, limit))
	for _, l := range lines {
		if b.Len()+len(l.text)+3 > limit {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(l.text)
	}
	return b.String(), nil
}

// CallerExtractor asks a model for the summary and falls back to the
// heuristic on any failure. While the quota guard is tripped the model is not
// called at all.
type CallerExtractor struct {
	caller   llm.Caller
	system   string
	fallback Extractor
	guard    *poolx.QuotaGuard
	timeout  time.Duration
	logger   zerolog.Logger
}

type ExtractorOption func(*CallerExtractor)

// WithQuotaGuard shares the guard of the analyst coordinators, so an
// exhausted quota also stops extraction calls.
func WithQuotaGuard(guard *poolx.QuotaGuard) ExtractorOption {
	return func(x *CallerExtractor) {
		x.guard = guard
	}
}

// WithCallTimeout bounds each model call.
func WithCallTimeout(d time.Duration) ExtractorOption {
	return func(x *CallerExtractor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

func NewCallerExtractor(caller llm.Caller, opts ...ExtractorOption) *CallerExtractor {
	x := &CallerExtractor{
		caller:   caller,
		system:   promptx.LoadPromptSet().Extract,
		fallback: HeuristicExtractor{},
		timeout:  defaultCallTimeout,
		logger:   log.With().Str("component", "extractor").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(x)
		}
	}
	return x
}

func (x *CallerExtractor) Extract(ctx context.Context, e storex.Entity, keywords []string, budget int) (string, error) {
	if x.caller == nil {
		return x.fallback.Extract(ctx, e, keywords, budget)
	}
	if tripped, reason := x.guard.Tripped(); tripped {
		x.logger.Debug().Str("entity_id", e.ID).Str("reason", reason).Msg("quota exhausted, using heuristic")
		return x.fallback.Extract(ctx, e, keywords, budget)
	}

	callCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	user := fmt.Sprintf("Maximum words: %d\nKeywords: %s\n\nSheet:\n%s",
		budget*3/4, strings.Join(keywords, ", "), sheetText(e))
	text, err := x.caller.Call(callCtx, x.system, user)
	if err != nil {
		if errors.Is(err, contractx.ErrQuotaExceeded) {
			x.guard.Trip(err.Error())
		}
		x.logger.Warn().Err(err).
			Str("entity_id", e.ID).
			Str("error_kind", string(contractx.Classify(err))).
			Msg("llm extraction failed, using heuristic")
		return x.fallback.Extract(ctx, e, keywords, budget)
	}
	return truncate(strings.TrimSpace(text), budget*charsPerToken), nil
}

func sheetText(e storex.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", e.Name)
	if len(e.Aliases) > 0 {
		fmt.Fprintf(&b, "Aliases: %s\n", strings.Join(e.Aliases, ", "))
	}
	if e.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", e.Summary)
	}
	if len(e.Traits) > 0 {
		fmt.Fprintf(&b, "Traits: %s\n", strings.Join(e.Traits, ", "))
	}
	for _, f := range e.Facts {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if e.Body != "" {
		b.WriteString("\n")
		b.WriteString(e.Body)
	}
	return strings.TrimSpace(b.String())
}

// truncate cuts s to at most limit bytes, preferring a word boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	const ellipsis = "..."
	if limit <= len(ellipsis) {
		return ""
	}
	end := limit - len(ellipsis)
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	cut := s[:end]
	if i := strings.LastIndexAny(cut, " \n"); i > end/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n,;:") + ellipsis
}
