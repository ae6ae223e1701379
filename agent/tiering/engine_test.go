package tiering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	poolx "github.com/tanpawarit/storyweave/agent/pool"
	storex "github.com/tanpawarit/storyweave/agent/store"
)

// countingStore records how many full entries were fetched.
type countingStore struct {
	storex.Store
	fetched atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, ids []int64) ([]storex.Entry, error) {
	out, err := s.Store.Get(ctx, ids)
	s.fetched.Add(int64(len(out)))
	return out, err
}

type failingStore struct {
	storex.Store
}

func (failingStore) ListMeta(context.Context, storex.Kind) ([]storex.Meta, error) {
	return nil, errors.New("connection refused")
}

type countingExtractor struct {
	calls atomic.Int32
}

func (x *countingExtractor) Extract(ctx context.Context, e storex.Entity, kw []string, budget int) (string, error) {
	x.calls.Add(1)
	return HeuristicExtractor{}.Extract(ctx, e, kw, budget)
}

func testCatalog() *storex.MemoryCatalog {
	return storex.NewMemoryCatalog(
		storex.Entity{ID: "mira", Name: "Mira Vance", Summary: "A cartographer with debts.", Facts: []string{"Owes the guild forty crowns", "Fears deep water"}},
		storex.Entity{ID: "tov", Name: "Tov", Summary: "Harbor smuggler.", Traits: []string{"loyal", "loud"}},
		storex.Entity{ID: "ilse", Name: "Ilse Marr", Summary: "Guild enforcer.", Facts: []string{"Collects debts for the guild", "Carries a brass key"}},
		storex.Entity{ID: "oren", Name: "Oren", Summary: "Lighthouse keeper."},
		storex.Entity{ID: "bram", Name: "Bram", Summary: "Ferryman."},
	)
}

func newTestEngine(t *testing.T, entries storex.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	e, err := NewEngine(testCatalog(), entries, opts...)
	require.NoError(t, err)
	return e
}

func TestAssembleSceneEntitiesAlwaysFull(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, storex.NewMemoryStore())
	doc, err := e.Assemble(context.Background(), Request{
		Turn:          5,
		Protagonist:   "mira",
		PreviousScene: []string{"tov"},
		Mentions:      []string{"ilse"},
		Message:       "I ask Ilse about the guild debt.",
	})
	require.NoError(t, err)

	assert.Equal(t, TierFull, doc.Tier("mira"))
	assert.Equal(t, TierFull, doc.Tier("tov"), "scene entity stays full although the message never names it")
	assert.Equal(t, TierExtracted, doc.Tier("ilse"))
	assert.Equal(t, TierSkipped, doc.Tier("oren"))
	assert.Equal(t, TierSkipped, doc.Tier("bram"))

	require.Len(t, doc.Extracted, 1)
	assert.Contains(t, doc.Extracted[0].Summary, "Collects debts for the guild")

	text := doc.Render()
	assert.Contains(t, text, "## Characters in scene\n### Mira Vance")
	assert.Contains(t, text, "### Tov")
	assert.Contains(t, text, "## Also referenced\n### Ilse Marr")
	assert.NotContains(t, text, "Lighthouse keeper")
}

func TestAssembleSceneEntityWithoutSheetStaysFull(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, storex.NewMemoryStore())
	doc, err := e.Assemble(context.Background(), Request{
		Turn:          3,
		Protagonist:   "narrator",
		PreviousScene: []string{"ghost", "tov"},
		Message:       "The lamp flickers.",
	})
	require.NoError(t, err)

	assert.Equal(t, TierFull, doc.Tier("ghost"))
	assert.Equal(t, TierFull, doc.Tier("narrator"))
	assert.Equal(t, TierFull, doc.Tier("tov"))
	for _, r := range doc.Refs {
		if r.EntityID == "ghost" {
			assert.Equal(t, "in previous scene (no sheet)", r.Reason)
		}
	}
	assert.Contains(t, doc.Render(), "### ghost")
}

func TestAssembleSceneSurvivesCatalogOutage(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(brokenCatalog{}, storex.NewMemoryStore(), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	doc, err := e.Assemble(context.Background(), Request{Turn: 2, PreviousScene: []string{"tov"}})
	require.NoError(t, err)
	assert.Equal(t, TierFull, doc.Tier("tov"))
}

type brokenCatalog struct{}

func (brokenCatalog) List(context.Context) ([]storex.Entity, error) {
	return nil, errors.New("catalog offline")
}

func (brokenCatalog) Entity(context.Context, string) (storex.Entity, error) {
	return storex.Entity{}, errors.New("catalog offline")
}

func (brokenCatalog) Upsert(context.Context, storex.Entity) (storex.Entity, error) {
	return storex.Entity{}, errors.New("catalog offline")
}

func TestAssembleMentionedSceneEntityIsNotDowngraded(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, storex.NewMemoryStore())
	doc, err := e.Assemble(context.Background(), Request{
		Turn:          2,
		PreviousScene: []string{"tov"},
		Mentions:      []string{"tov", "TOV"},
		Message:       "Tov laughs.",
	})
	require.NoError(t, err)
	assert.Equal(t, TierFull, doc.Tier("tov"))
	assert.Empty(t, doc.Extracted)

	count := 0
	for _, r := range doc.Refs {
		if r.EntityID == "tov" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestAssembleCapsExtractedEntities(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, storex.NewMemoryStore(), WithCandidateLimit(2))
	doc, err := e.Assemble(context.Background(), Request{
		Turn:     1,
		Mentions: []string{"tov", "ilse", "oren", "bram", "nobody"},
	})
	require.NoError(t, err)
	assert.Len(t, doc.Extracted, 2)
	assert.Equal(t, TierExtracted, doc.Tier("tov"))
	assert.Equal(t, TierExtracted, doc.Tier("ilse"))
	assert.Equal(t, TierSkipped, doc.Tier("oren"))
}

func TestAssembleCountdownElapsedThreadIsCandidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	entries := storex.NewMemoryStore()
	for i := 0; i < 20; i++ {
		_, err := entries.Append(ctx, storex.Entry{
			Kind:         storex.KindPlotThread,
			Title:        fmt.Sprintf("Harbor rumour %d", i),
			Characters:   []string{"tov"},
			Tags:         []string{"harbor"},
			Significance: 9,
		}, 40)
		require.NoError(t, err)
	}
	overdue, err := entries.Append(ctx, storex.Entry{
		Kind:         storex.KindPlotThread,
		Title:        "Guild deadline",
		Content:      "The guild wants its forty crowns.",
		Significance: 1,
		DeadlineTurn: 42,
		Consequence:  "enforcers come for Mira",
	}, 3)
	require.NoError(t, err)

	e := newTestEngine(t, entries, WithCandidateLimit(3))
	doc, err := e.Assemble(ctx, Request{
		Turn:          42,
		PreviousScene: []string{"tov"},
		Message:       "We walk along the harbor.",
	})
	require.NoError(t, err)

	var threads Selection
	for _, s := range doc.Stores {
		if s.Kind == storex.KindPlotThread {
			threads = s
		}
	}
	require.Len(t, threads.Entries, 3)
	assert.Equal(t, overdue, threads.Entries[0].ID, "elapsed countdown goes first despite a low score")
	assert.True(t, threads.Critical[overdue])
	assert.Equal(t, 21, threads.Total)
	assert.Contains(t, doc.Render(), fmt.Sprintf("- [#%d] CRITICAL Guild deadline", overdue))
}

func TestAssembleFetchesBoundedEntriesAsStoresGrow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, n := range []int{10, 100, 1000} {
		entries := &countingStore{Store: storex.NewMemoryStore()}
		for i := 0; i < n; i++ {
			kind := []storex.Kind{storex.KindMemory, storex.KindPlotThread, storex.KindFact}[i%3]
			_, err := entries.Append(ctx, storex.Entry{
				Kind:       kind,
				Content:    fmt.Sprintf("entry %d about the harbor", i),
				Tags:       []string{"harbor"},
				Characters: []string{"mira"},
			}, i%50+1)
			require.NoError(t, err)
		}

		e := newTestEngine(t, entries, WithCandidateLimit(4))
		doc, err := e.Assemble(ctx, Request{Turn: 60, Protagonist: "mira", Message: "Back to the harbor"})
		require.NoError(t, err)

		assert.LessOrEqual(t, entries.fetched.Load(), int64(4*len(storeKinds)), "store size %d", n)
		assert.Equal(t, int(entries.fetched.Load()), doc.Fetched())
	}
}

func TestAssembleDegradesWhenStoreFails(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, failingStore{Store: storex.NewMemoryStore()})
	doc, err := e.Assemble(context.Background(), Request{Turn: 3, Protagonist: "mira", Message: "hello"})
	require.NoError(t, err)
	assert.Empty(t, doc.Stores)
	assert.Equal(t, TierFull, doc.Tier("mira"))
}

func TestAssembleMemoisesExtraction(t *testing.T) {
	t.Parallel()

	x := &countingExtractor{}
	e := newTestEngine(t, storex.NewMemoryStore(), WithExtractor(x))
	req := Request{Turn: 4, Mentions: []string{"ilse"}, Message: "the brass key"}

	for i := 0; i < 3; i++ {
		_, err := e.Assemble(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), x.calls.Load())

	req.Message = "the guild debt"
	_, err := e.Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), x.calls.Load(), "new keywords miss the memo")
}

func TestHeuristicExtractorRespectsBudget(t *testing.T) {
	t.Parallel()

	ent := storex.Entity{
		ID:      "ilse",
		Name:    "Ilse Marr",
		Summary: strings.Repeat("Guild enforcer with a long history. ", 10),
		Facts:   []string{"Carries a brass key", "Collects debts for the guild"},
	}
	out, err := HeuristicExtractor{}.Extract(context.Background(), ent, []string{"key"}, 20)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 20*charsPerToken)

	out, err = HeuristicExtractor{}.Extract(context.Background(), storex.Entity{Name: "Ilse", Facts: ent.Facts}, []string{"key"}, 50)
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "brass key"), strings.Index(out, "Collects debts"), "keyword hits first")
}

type stubCaller struct {
	text string
	err  error
}

func (s stubCaller) Call(context.Context, string, string) (string, error) {
	return s.text, s.err
}

func TestCallerExtractorFallsBack(t *testing.T) {
	t.Parallel()

	ent := storex.Entity{ID: "tov", Name: "Tov", Summary: "Harbor smuggler."}

	out, err := NewCallerExtractor(stubCaller{text: "Tov, a loud smuggler."}).Extract(context.Background(), ent, nil, 50)
	require.NoError(t, err)
	assert.Equal(t, "Tov, a loud smuggler.", out)

	out, err = NewCallerExtractor(stubCaller{err: errors.New("quota")}).Extract(context.Background(), ent, nil, 50)
	require.NoError(t, err)
	assert.Equal(t, "Tov: Harbor smuggler.", out)
}

type quotaCaller struct {
	calls atomic.Int32
}

func (c *quotaCaller) Call(context.Context, string, string) (string, error) {
	c.calls.Add(1)
	return "", fmt.Errorf("%w: status code: 402, insufficient credits", contractx.ErrQuotaExceeded)
}

func TestCallerExtractorStopsCallingOnceQuotaIsExhausted(t *testing.T) {
	t.Parallel()

	caller := &quotaCaller{}
	guard := poolx.NewQuotaGuard(time.Hour)
	extractor := NewCallerExtractor(caller, WithQuotaGuard(guard))
	e := newTestEngine(t, storex.NewMemoryStore(), WithExtractor(extractor))

	messages := []string{
		"I ask Ilse about the guild debt.",
		"Oren lights the lamp while Ilse waits.",
		"Ilse shows Oren the brass key.",
	}
	for i, msg := range messages {
		doc, err := e.Assemble(context.Background(), Request{
			Turn:     i + 1,
			Mentions: []string{"ilse", "oren"},
			Message:  msg,
		})
		require.NoError(t, err)
		require.Len(t, doc.Extracted, 2)
		for _, x := range doc.Extracted {
			assert.NotEmpty(t, x.Summary, "heuristic summary replaces the model")
		}
	}

	assert.Equal(t, int32(1), caller.calls.Load())
	tripped, _ := guard.Tripped()
	assert.True(t, tripped)
}

func TestCallerExtractorBoundsEachCall(t *testing.T) {
	t.Parallel()

	var sawDeadline atomic.Bool
	caller := callerFunc(func(ctx context.Context, _, _ string) (string, error) {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		<-ctx.Done()
		return "", fmt.Errorf("%w: %v", contractx.ErrTimeout, ctx.Err())
	})
	extractor := NewCallerExtractor(caller, WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	out, err := extractor.Extract(context.Background(), storex.Entity{ID: "tov", Name: "Tov", Summary: "Harbor smuggler."}, nil, 50)
	require.NoError(t, err)
	assert.Equal(t, "Tov: Harbor smuggler.", out)
	assert.True(t, sawDeadline.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

type callerFunc func(ctx context.Context, system, user string) (string, error)

func (f callerFunc) Call(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

func TestKeywords(t *testing.T) {
	t.Parallel()

	got := Keywords("Mira's map, the MAP and the harbor's lights at dawn!")
	assert.Equal(t, []string{"mira", "map", "harbor", "lights", "dawn"}, got)
}
