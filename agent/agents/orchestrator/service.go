package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"

	analystx "github.com/tanpawarit/storyweave/agent/agents/analyst"
	cachex "github.com/tanpawarit/storyweave/agent/cache"
	contractx "github.com/tanpawarit/storyweave/agent/contract"
	coordinatorx "github.com/tanpawarit/storyweave/agent/coordinator"
	nodex "github.com/tanpawarit/storyweave/agent/nodes"
	poolx "github.com/tanpawarit/storyweave/agent/pool"
	statex "github.com/tanpawarit/storyweave/agent/state"
	storex "github.com/tanpawarit/storyweave/agent/store"
	tieringx "github.com/tanpawarit/storyweave/agent/tiering"
	logx "github.com/tanpawarit/storyweave/pkg/logger"
)

var ErrInvalidMessage = nodex.ErrInvalidMessage

type Option func(*Orchestrator)

// WithExtractor sets the Tier-2 extractor. The heuristic extractor is used
// otherwise.
func WithExtractor(x tieringx.Extractor) Option {
	return func(o *Orchestrator) {
		o.extractor = x
	}
}

// WithQuotaGuard shares a quota guard with other orchestrators.
func WithQuotaGuard(guard *poolx.QuotaGuard) Option {
	return func(o *Orchestrator) {
		if guard != nil {
			o.guard = guard
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator drives the per-turn analysis cycle of one story session:
// AssembleContext before a narrative is generated, CompleteTurn after.
type Orchestrator struct {
	cfg      Config
	cache    cachex.Store
	entries  storex.Store
	catalog  storex.Catalog
	registry *analystx.Registry

	extractor  tieringx.Extractor
	engine     *tieringx.Engine
	guard      *poolx.QuotaGuard
	immediate  *coordinatorx.Coordinator
	background *coordinatorx.Coordinator

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	now    func() time.Time
	logger zerolog.Logger

	// turnMu serialises AssembleContext; bgMu serialises background batches.
	turnMu sync.Mutex
	bgMu   sync.Mutex
	bgWG   sync.WaitGroup

	mu            sync.Mutex
	session       *statex.SessionState
	lastImmediate poolx.Outcome
	immediateStat coordinatorx.Stats
	bgSeq         uint64
}

func New(
	ctx context.Context,
	cfg Config,
	cache cachex.Store,
	entries storex.Store,
	catalog storex.Catalog,
	registry *analystx.Registry,
	opts ...Option,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, errors.New("analysis cache is required")
	}
	if entries == nil || catalog == nil {
		return nil, errors.New("entry store and entity catalog are required")
	}
	if registry == nil {
		return nil, errors.New("analyst registry is required")
	}

	o := &Orchestrator{
		cfg:      cfg,
		cache:    cache,
		entries:  entries,
		catalog:  catalog,
		registry: registry,
		now:      time.Now,
		logger:   logx.Component("orchestrator").With().Str("session_id", cfg.SessionID).Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.guard == nil {
		o.guard = poolx.NewQuotaGuard(cfg.QuotaCooldown)
	}

	o.immediate = coordinatorx.New(contractx.ClassImmediate, cfg.MaxImmediateWorkers, coordinatorx.WithQuotaGuard(o.guard))
	o.background = coordinatorx.New(contractx.ClassBackground, cfg.MaxBackgroundWorkers, coordinatorx.WithQuotaGuard(o.guard))

	engine, err := tieringx.NewEngine(catalog, entries,
		tieringx.WithExtractor(o.extractor),
		tieringx.WithCandidateLimit(cfg.ExtractionCandidateLimit),
		tieringx.WithTokenBudget(cfg.ExtractionTokenBudget),
	)
	if err != nil {
		return nil, err
	}
	o.engine = engine

	o.session = statex.NewSessionState(cfg.SessionID, o.now())
	if rec := cache.Load(ctx); !rec.IsEmpty() {
		scene, location, _ := nodex.SceneFromRecord(rec)
		o.session.Resume(rec.TurnNumber, scene, location)
		o.logger.Info().Int("turn", rec.TurnNumber).Msg("resuming from cached analysis")
	}

	graphRunner, err := o.compileAssembleGraph(ctx)
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// AssembleContext runs the immediate analysts on message and returns the
// context document for the next narrative. It fails only for an empty
// message; unavailable analyses and stores shrink the document instead.
func (o *Orchestrator) AssembleContext(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", nodex.ErrInvalidMessage
	}

	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{Message: message})
	if err != nil {
		if errors.Is(err, nodex.ErrInvalidMessage) {
			return "", nodex.ErrInvalidMessage
		}
		o.mu.Lock()
		o.session.Abort(o.now())
		o.mu.Unlock()
		return "", fmt.Errorf("assemble context: %w", err)
	}

	o.mu.Lock()
	o.lastImmediate = out.Immediate
	o.immediateStat = o.immediate.Stats()
	o.mu.Unlock()

	o.logger.Debug().
		Int("turn", out.Turn).
		Int("fetched_entries", out.Document.Fetched()).
		Int("context_chars", len(out.Context)).
		Msg("context assembled")
	return out.Context, nil
}

// CompleteTurn starts the background analysts on the narrative generated for
// the current turn and returns at once. The returned channel is closed when
// the batch has finished and its results are stored, or were dropped.
func (o *Orchestrator) CompleteTurn(ctx context.Context, narrative string) <-chan struct{} {
	done := make(chan struct{})
	narrative = strings.TrimSpace(narrative)

	o.mu.Lock()
	st := o.session
	if narrative == "" {
		turn := st.Turn
		o.mu.Unlock()
		o.logger.Warn().Int("turn", turn).Msg("empty narrative, background analysis skipped")
		close(done)
		return done
	}
	if err := st.Advance(statex.PhaseBackgroundRunning, o.now()); err != nil {
		o.logger.Warn().Err(err).Int("turn", st.Turn).Msg("unexpected session phase transition")
	}
	o.bgSeq++
	job := backgroundJob{
		seq:       o.bgSeq,
		epoch:     st.Epoch,
		turn:      st.Turn,
		narrative: narrative,
		scene:     append([]string(nil), st.Scene...),
		location:  st.Location,
		immediate: o.lastImmediate,
		immStats:  o.immediateStat,
	}
	o.mu.Unlock()

	o.bgWG.Add(1)
	go func() {
		defer o.bgWG.Done()
		defer close(done)
		o.runBackground(context.WithoutCancel(ctx), job)
	}()
	return done
}

type backgroundJob struct {
	seq       uint64
	epoch     uint64
	turn      int
	narrative string
	scene     []string
	location  string
	immediate poolx.Outcome
	immStats  coordinatorx.Stats
}

func (o *Orchestrator) runBackground(ctx context.Context, job backgroundJob) {
	logger := o.logger.With().Int("turn", job.turn).Logger()

	refs, err := nodex.EntityRefs(ctx, o.catalog)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list entity catalog")
	}
	in := &contractx.TurnContext{
		SessionID:     o.cfg.SessionID,
		Turn:          job.turn,
		Narrative:     job.narrative,
		Protagonist:   o.cfg.Protagonist,
		PreviousScene: job.scene,
		Location:      job.location,
		Entities:      refs,
		Now:           o.now().UTC(),
	}

	o.bgMu.Lock()
	o.background.Clear()
	for _, a := range o.registry.Background() {
		if err := o.background.Register(a); err != nil {
			o.bgMu.Unlock()
			logger.Error().Err(err).Msg("failed to register background analyst")
			o.finishBackground(job, statex.PhaseIdle)
			return
		}
	}
	_, out, runErr := o.background.RunAll(ctx, in, o.cfg.AgentTimeout(), o.cfg.AllowPartialSuccess)
	stats := o.background.Stats()
	o.bgMu.Unlock()

	logger = logger.With().Str("batch_id", out.BatchID).Logger()
	if runErr != nil {
		logger.Warn().Err(runErr).Int("failed", len(out.Failed)).Msg("background batch failed, analyses not stored")
	}

	rec := cachex.NewRecord(job.turn, o.now())
	for _, r := range out.Results() {
		rec.Background[r.AgentID] = r
	}
	for _, r := range job.immediate.Results() {
		rec.Immediate[r.AgentID] = r
	}
	rec.Stats = cachex.Stats{Background: stats, Immediate: job.immStats}
	scene, location, hasScene := nodex.SceneFromRecord(rec)

	o.mu.Lock()
	defer o.mu.Unlock()
	if job.epoch != o.session.Epoch {
		logger.Info().Uint64("epoch", job.epoch).Msg("session was reset during the batch, results dropped")
		return
	}

	// A failed RequireAll batch is still recorded, but writes nothing to
	// the master stores.
	if runErr == nil {
		if err := o.registry.Apply(ctx, o.entries, job.turn, out.Succeeded); err != nil {
			logger.Warn().Err(err).Msg("some analyses were not stored")
		}
	}
	if hasScene {
		o.session.Resume(job.turn, scene, location)
	}

	phase := statex.PhaseCacheWritten
	if err := o.cache.Save(ctx, rec); err != nil {
		logger.Error().Err(err).Msg("failed to write analysis cache, previous record kept")
		phase = statex.PhaseIdle
	} else {
		logger.Info().
			Int("succeeded", len(out.Succeeded)).
			Int("failed", len(out.Failed)).
			Dur("duration", out.Elapsed).
			Msg("background analysis cached")
	}
	o.advanceBackgroundLocked(job, phase)
}

func (o *Orchestrator) finishBackground(job backgroundJob, phase statex.Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if job.epoch != o.session.Epoch {
		return
	}
	o.advanceBackgroundLocked(job, phase)
}

// advanceBackgroundLocked moves the session out of background_running if
// job is the latest batch and the session is still waiting on it.
func (o *Orchestrator) advanceBackgroundLocked(job backgroundJob, phase statex.Phase) {
	if job.seq != o.bgSeq || o.session.Phase != statex.PhaseBackgroundRunning {
		return
	}
	if err := o.session.Advance(phase, o.now()); err != nil {
		o.logger.Warn().Err(err).Int("turn", job.turn).Msg("unexpected session phase transition")
	}
}

// NewSession clears the cache and starts numbering turns from zero. A
// background batch still running is not interrupted, but its results are
// dropped.
func (o *Orchestrator) NewSession(ctx context.Context) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()

	epoch := o.session.Reset(o.now())
	o.lastImmediate = poolx.Outcome{}
	o.immediateStat = coordinatorx.Stats{}
	if err := o.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear analysis cache: %w", err)
	}
	o.logger.Info().Uint64("epoch", epoch).Msg("new session started")
	return nil
}

// WaitBackground blocks until every started background batch has finished
// or ctx is done.
func (o *Orchestrator) WaitBackground(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns a copy of the session bookkeeping.
func (o *Orchestrator) Session() statex.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := *o.session
	st.Scene = append([]string(nil), o.session.Scene...)
	return st
}

// Stats returns the statistics of the last batch of each class.
func (o *Orchestrator) Stats() cachex.Stats {
	return cachex.Stats{Background: o.background.Stats(), Immediate: o.immediate.Stats()}
}

// sessionView is the graph's access to the session.
type sessionView struct {
	o *Orchestrator
}

func (v sessionView) BeginTurn() int {
	v.o.mu.Lock()
	defer v.o.mu.Unlock()
	return v.o.session.BeginTurn(v.o.now())
}

func (v sessionView) LastScene() ([]string, string) {
	v.o.mu.Lock()
	defer v.o.mu.Unlock()
	return append([]string(nil), v.o.session.Scene...), v.o.session.Location
}

func (v sessionView) Advance(to statex.Phase) error {
	v.o.mu.Lock()
	defer v.o.mu.Unlock()
	return v.o.session.Advance(to, v.o.now())
}
