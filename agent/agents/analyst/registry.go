package analyst

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	llmx "github.com/tanpawarit/storyweave/agent/llm"
	promptx "github.com/tanpawarit/storyweave/agent/prompt"
	storex "github.com/tanpawarit/storyweave/agent/store"
)

type Option func(*contractx.Descriptor)

// WithTimeout bounds a single analyst call, independent of the batch deadline.
func WithTimeout(d time.Duration) Option {
	return func(desc *contractx.Descriptor) {
		if d > 0 {
			desc.Timeout = d
		}
	}
}

func descriptor(id, description string, class contractx.SchedulingClass, priority int, opts []Option) contractx.Descriptor {
	d := contractx.Descriptor{ID: id, Description: description, Class: class, Priority: priority}
	for _, opt := range opts {
		if opt != nil {
			opt(&d)
		}
	}
	return d
}

// Applier writes an analyst's successful result into the master stores. It
// runs after the batch, never inside the pool.
type Applier interface {
	Apply(ctx context.Context, st storex.Store, turn int, res contractx.Result) error
}

// ModelFactory returns the chat model an analyst should use.
type ModelFactory func(ctx context.Context, analystID string) (einomodel.BaseChatModel, error)

// Registry holds the analysts of both scheduling classes.
type Registry struct {
	immediate  []contractx.Agent
	background []contractx.Agent
	appliers   map[string]Applier
}

func (r *Registry) Immediate() []contractx.Agent {
	return append([]contractx.Agent(nil), r.immediate...)
}

func (r *Registry) Background() []contractx.Agent {
	return append([]contractx.Agent(nil), r.background...)
}

// BackgroundOrder is the ids of background analysts by priority (desc),
// then id. It matches the order the pool reports results in.
func (r *Registry) BackgroundOrder() []string {
	descs := make([]contractx.Descriptor, 0, len(r.background))
	for _, a := range r.background {
		descs = append(descs, a.Descriptor())
	}
	sort.SliceStable(descs, func(i, j int) bool {
		if descs[i].Priority != descs[j].Priority {
			return descs[i].Priority > descs[j].Priority
		}
		return descs[i].ID < descs[j].ID
	})
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.ID)
	}
	return out
}

// NewRegistry builds every analyst on OpenRouter models configured by cfg.
func NewRegistry(ctx context.Context, cfg llmx.Config, entries storex.Store) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory := func(ctx context.Context, analystID string) (einomodel.BaseChatModel, error) {
		modelCfg := cfg.OpenRouterFor(analystID)
		return modelCfg.New(ctx)
	}
	return Build(ctx, factory, entries, WithTimeout(cfg.Timeout))
}

// Build wires the analysts with models from factory.
func Build(ctx context.Context, factory ModelFactory, entries storex.Store, opts ...Option) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: model factory is nil", contractx.ErrValidation)
	}
	prompts := promptx.LoadPromptSet()

	model := func(id string) (einomodel.BaseChatModel, error) {
		m, err := factory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelInvoke, id, err)
		}
		return m, nil
	}

	mentionsModel, err := model(MentionsID)
	if err != nil {
		return nil, err
	}
	sceneModel, err := model(SceneID)
	if err != nil {
		return nil, err
	}
	memoriesModel, err := model(MemoriesID)
	if err != nil {
		return nil, err
	}
	threadsModel, err := model(PlotThreadsID)
	if err != nil {
		return nil, err
	}
	knowledgeModel, err := model(KnowledgeID)
	if err != nil {
		return nil, err
	}

	mentions, err := NewMentionsAgent(ctx, mentionsModel, prompts.Mentions, opts...)
	if err != nil {
		return nil, err
	}
	scene, err := NewSceneAgent(ctx, sceneModel, prompts.Scene, opts...)
	if err != nil {
		return nil, err
	}
	memories, err := NewMemoriesAgent(ctx, memoriesModel, prompts.Memories, opts...)
	if err != nil {
		return nil, err
	}
	threads, err := NewPlotThreadsAgent(ctx, threadsModel, prompts.PlotThreads, entries, opts...)
	if err != nil {
		return nil, err
	}
	knowledge, err := NewKnowledgeAgent(ctx, knowledgeModel, prompts.Knowledge, opts...)
	if err != nil {
		return nil, err
	}

	return &Registry{
		immediate:  []contractx.Agent{mentions},
		background: []contractx.Agent{scene, memories, threads, knowledge},
		appliers: map[string]Applier{
			MemoriesID:    memories,
			PlotThreadsID: threads,
			KnowledgeID:   knowledge,
		},
	}, nil
}

// NewRegistryFrom assembles a registry from ready agents. Background agents
// implementing Applier are used as appliers.
func NewRegistryFrom(immediate, background []contractx.Agent) *Registry {
	r := &Registry{
		immediate:  append([]contractx.Agent(nil), immediate...),
		background: append([]contractx.Agent(nil), background...),
		appliers:   make(map[string]Applier, len(background)),
	}
	for _, a := range background {
		if ap, ok := a.(Applier); ok {
			r.appliers[a.Descriptor().ID] = ap
		}
	}
	return r
}

// Apply writes every successful background result with an applier into st.
// One failing applier does not stop the others; their errors are joined.
func (r *Registry) Apply(ctx context.Context, st storex.Store, turn int, results []contractx.Result) error {
	var errs []error
	for _, res := range results {
		if !res.Success {
			continue
		}
		ap, ok := r.appliers[res.AgentID]
		if !ok {
			continue
		}
		if err := ap.Apply(ctx, st, turn, res); err != nil {
			log.Warn().Err(err).Str("agent_id", res.AgentID).Int("turn", turn).Msg("failed to apply analysis to store")
			errs = append(errs, fmt.Errorf("%s: %w", res.AgentID, err))
		}
	}
	return errors.Join(errs...)
}
