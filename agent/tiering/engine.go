package tiering

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	storex "github.com/tanpawarit/storyweave/agent/store"
	logx "github.com/tanpawarit/storyweave/pkg/logger"
)

const (
	defaultCandidateLimit = 5
	defaultTokenBudget    = 200
	defaultMemoSize       = 256
)

// storeKinds is the order master stores appear in the document.
var storeKinds = []storex.Kind{storex.KindPlotThread, storex.KindMemory, storex.KindFact}

// Request describes the turn being prepared.
type Request struct {
	Turn          int
	Protagonist   string
	PreviousScene []string
	Mentions      []string
	Message       string
	Location      string
}

type Engine struct {
	catalog        storex.Catalog
	entries        storex.Store
	extractor      Extractor
	memo           *lru.Cache[string, string]
	candidateLimit int
	tokenBudget    int
	logger         zerolog.Logger
}

type Option func(*Engine)

func WithExtractor(x Extractor) Option {
	return func(e *Engine) {
		if x != nil {
			e.extractor = x
		}
	}
}

func WithCandidateLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.candidateLimit = n
		}
	}
}

func WithTokenBudget(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.tokenBudget = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func NewEngine(catalog storex.Catalog, entries storex.Store, opts ...Option) (*Engine, error) {
	if catalog == nil || entries == nil {
		return nil, fmt.Errorf("tiering: catalog and entry store are required")
	}
	memo, err := lru.New[string, string](defaultMemoSize)
	if err != nil {
		return nil, fmt.Errorf("tiering: create extraction memo: %w", err)
	}
	e := &Engine{
		catalog:        catalog,
		entries:        entries,
		extractor:      HeuristicExtractor{},
		memo:           memo,
		candidateLimit: defaultCandidateLimit,
		tokenBudget:    defaultTokenBudget,
		logger:         logx.Component("tiering"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Assemble chooses a tier for every catalog entity and narrows each master
// store to its candidates. Store and catalog failures are logged and leave
// the affected part out of the document.
func (e *Engine) Assemble(ctx context.Context, req Request) (*Document, error) {
	doc := &Document{Turn: req.Turn}
	keywords := Keywords(req.Message)
	logger := e.logger.With().Int("turn", req.Turn).Logger()

	catalog, err := e.catalog.List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("entity catalog unavailable")
	}
	known := make(map[string]storex.Entity, len(catalog))
	for _, ent := range catalog {
		known[ent.ID] = ent
	}
	assigned := make(map[string]struct{}, len(catalog))

	// Tier 1: the recorded scene and the protagonist, whatever the message says.
	full := make([]string, 0, len(req.PreviousScene)+1)
	if p := normalizeID(req.Protagonist); p != "" {
		full = append(full, p)
	}
	for _, id := range req.PreviousScene {
		if id = normalizeID(id); id != "" && !slices.Contains(full, id) {
			full = append(full, id)
		}
	}
	for _, id := range full {
		reason := "in previous scene"
		if id == normalizeID(req.Protagonist) {
			reason = "protagonist"
		}
		ent, ok := known[id]
		if !ok {
			ent, err = e.catalog.Entity(ctx, id)
			if err != nil {
				// Still Tier 1; the document carries the bare name.
				logger.Debug().Err(err).Str("entity_id", id).Msg("scene entity has no sheet")
				ent = storex.Entity{ID: id, Name: id}
				reason += " (no sheet)"
			}
		}
		assigned[id] = struct{}{}
		doc.Full = append(doc.Full, ent)
		doc.Refs = append(doc.Refs, TieredRef{EntityID: id, Tier: TierFull, Reason: reason})
	}

	// Tier 2: referenced by the message, not already in scene.
	extracted := 0
	for _, id := range req.Mentions {
		id = normalizeID(id)
		if id == "" {
			continue
		}
		if _, ok := assigned[id]; ok {
			continue
		}
		ent, ok := known[id]
		if !ok {
			continue
		}
		assigned[id] = struct{}{}
		if extracted >= e.candidateLimit {
			doc.Refs = append(doc.Refs, TieredRef{EntityID: id, Tier: TierSkipped, Reason: "over candidate limit"})
			continue
		}
		summary := e.extract(ctx, ent, keywords)
		extracted++
		doc.Extracted = append(doc.Extracted, Extract{EntityID: id, Name: ent.Name, Summary: summary})
		doc.Refs = append(doc.Refs, TieredRef{EntityID: id, Tier: TierExtracted, Reason: "referenced by message"})
	}

	// Tier 3: everything else.
	for _, ent := range catalog {
		if _, ok := assigned[ent.ID]; ok {
			continue
		}
		doc.Refs = append(doc.Refs, TieredRef{EntityID: ent.ID, Tier: TierSkipped, Reason: "not referenced"})
	}

	characters := make([]string, 0, len(doc.Full)+len(doc.Extracted))
	for _, ent := range doc.Full {
		characters = append(characters, ent.ID)
	}
	for _, x := range doc.Extracted {
		characters = append(characters, x.EntityID)
	}
	criteria := NewCriteria(req.Turn, keywords, characters, req.Location)

	for _, kind := range storeKinds {
		sel, err := e.selectStore(ctx, kind, criteria)
		if err != nil {
			logger.Warn().Err(err).Str("store", string(kind)).Msg("master store unavailable")
			continue
		}
		doc.Stores = append(doc.Stores, sel)
	}

	logger.Debug().
		Int("full", len(doc.Full)).
		Int("extracted", len(doc.Extracted)).
		Int("fetched_entries", doc.Fetched()).
		Msg("context tiered")
	return doc, nil
}

func (e *Engine) selectStore(ctx context.Context, kind storex.Kind, c Criteria) (Selection, error) {
	metas, err := e.entries.ListMeta(ctx, kind)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{Kind: kind, Total: len(metas), Critical: make(map[int64]bool)}

	candidates := Select(metas, c, e.candidateLimit)
	if len(candidates) == 0 {
		return sel, nil
	}
	ids := make([]int64, 0, len(candidates))
	for _, cand := range candidates {
		ids = append(ids, cand.Meta.ID)
		if cand.Critical {
			sel.Critical[cand.Meta.ID] = true
		}
	}
	sel.Entries, err = e.entries.Get(ctx, ids)
	if err != nil {
		return Selection{}, err
	}
	return sel, nil
}

func (e *Engine) extract(ctx context.Context, ent storex.Entity, keywords []string) string {
	key := memoKey(ent, keywords, e.tokenBudget)
	if summary, ok := e.memo.Get(key); ok {
		return summary
	}
	summary, err := e.extractor.Extract(ctx, ent, keywords, e.tokenBudget)
	if err != nil {
		e.logger.Warn().Err(err).Str("entity_id", ent.ID).Msg("extraction failed, using heuristic")
		summary, _ = HeuristicExtractor{}.Extract(ctx, ent, keywords, e.tokenBudget)
	}
	e.memo.Add(key, summary)
	return summary
}

func memoKey(ent storex.Entity, keywords []string, budget int) string {
	sorted := slices.Clone(keywords)
	sort.Strings(sorted)
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(sorted, " ")))
	return fmt.Sprintf("%s@%d/%d#%x", ent.ID, ent.Revision, budget, h.Sum64())
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
