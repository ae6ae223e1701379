package analyst

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	storex "github.com/tanpawarit/storyweave/agent/store"
)

const (
	MemoriesID  = "memories"
	KnowledgeID = "knowledge"
)

// Draft is an entry proposed by an analyst, not yet stored.
type Draft struct {
	Content      string   `json:"content"`
	Characters   []string `json:"characters,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Location     string   `json:"location,omitempty"`
	Significance int      `json:"significance,omitempty"`
}

func (d Draft) entry(kind storex.Kind) storex.Entry {
	return storex.Entry{
		Kind:         kind,
		Content:      d.Content,
		Characters:   d.Characters,
		Tags:         d.Tags,
		Location:     d.Location,
		Significance: d.Significance,
	}
}

type MemoriesPayload struct {
	Memories []Draft `json:"memories"`
}

func (p MemoriesPayload) Render() string {
	return renderDrafts("New memories", p.Memories)
}

type KnowledgePayload struct {
	Facts []Draft `json:"facts"`
}

func (p KnowledgePayload) Render() string {
	return renderDrafts("New facts", p.Facts)
}

func renderDrafts(title string, drafts []Draft) string {
	if len(drafts) == 0 {
		return title + ": none"
	}
	var b strings.Builder
	b.WriteString(title + ":")
	for _, d := range drafts {
		fmt.Fprintf(&b, "\n- %s", d.Content)
	}
	return b.String()
}

// cleanDrafts drops empty drafts and unknown characters.
func cleanDrafts(in []Draft, refs []contractx.EntityRef, limit int) []Draft {
	out := make([]Draft, 0, len(in))
	for _, d := range in {
		d.Content = strings.TrimSpace(d.Content)
		if d.Content == "" {
			continue
		}
		d.Characters = knownIDs(d.Characters, refs)
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// MemoriesAgent extracts durable memories from the narrative.
type MemoriesAgent struct {
	*base
}

func NewMemoriesAgent(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string, opts ...Option) (*MemoriesAgent, error) {
	b, err := newBase(ctx, descriptor(MemoriesID, "Memory extractor", contractx.ClassBackground, 70, opts), chatModel, systemPrompt)
	if err != nil {
		return nil, err
	}
	return &MemoriesAgent{base: b}, nil
}

func (a *MemoriesAgent) Run(ctx context.Context, in *contractx.TurnContext) (any, error) {
	if err := requireNarrative(MemoriesID, in); err != nil {
		return nil, err
	}
	out, err := ask[MemoriesPayload](ctx, a.base, map[string]any{
		"narrative": in.Narrative,
		"location":  in.Location,
		"catalog":   catalogLines(in.Entities),
	})
	if err != nil {
		return nil, err
	}
	out.Memories = cleanDrafts(out.Memories, in.Entities, 5)
	return out, nil
}

func (a *MemoriesAgent) Apply(ctx context.Context, st storex.Store, turn int, res contractx.Result) error {
	var p MemoriesPayload
	if err := res.Decode(&p); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", contractx.ErrMalformedOutput, MemoriesID, err)
	}
	for _, d := range p.Memories {
		if _, err := st.Append(ctx, d.entry(storex.KindMemory), turn); err != nil {
			return fmt.Errorf("store memory: %w", err)
		}
	}
	return nil
}

// KnowledgeAgent extracts stable world facts from the narrative.
type KnowledgeAgent struct {
	*base
}

func NewKnowledgeAgent(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string, opts ...Option) (*KnowledgeAgent, error) {
	b, err := newBase(ctx, descriptor(KnowledgeID, "Knowledge extractor", contractx.ClassBackground, 50, opts), chatModel, systemPrompt)
	if err != nil {
		return nil, err
	}
	return &KnowledgeAgent{base: b}, nil
}

func (a *KnowledgeAgent) Run(ctx context.Context, in *contractx.TurnContext) (any, error) {
	if err := requireNarrative(KnowledgeID, in); err != nil {
		return nil, err
	}
	out, err := ask[KnowledgePayload](ctx, a.base, map[string]any{
		"narrative": in.Narrative,
		"location":  in.Location,
	})
	if err != nil {
		return nil, err
	}
	out.Facts = cleanDrafts(out.Facts, in.Entities, 0)
	return out, nil
}

func (a *KnowledgeAgent) Apply(ctx context.Context, st storex.Store, turn int, res contractx.Result) error {
	var p KnowledgePayload
	if err := res.Decode(&p); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", contractx.ErrMalformedOutput, KnowledgeID, err)
	}
	for _, d := range p.Facts {
		if _, err := st.Append(ctx, d.entry(storex.KindFact), turn); err != nil {
			return fmt.Errorf("store fact: %w", err)
		}
	}
	return nil
}
