package analyst

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	storex "github.com/tanpawarit/storyweave/agent/store"
	tieringx "github.com/tanpawarit/storyweave/agent/tiering"
)

const (
	PlotThreadsID = "plot_threads"

	// offeredThreads is how many open threads the model is shown per turn.
	offeredThreads = 20
)

type ThreadDraft struct {
	Title           string   `json:"title"`
	Content         string   `json:"content,omitempty"`
	Characters      []string `json:"characters,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Significance    int      `json:"significance,omitempty"`
	DeadlineInTurns int      `json:"deadline_in_turns,omitempty"`
	Consequence     string   `json:"consequence,omitempty"`
}

type PlotThreadsPayload struct {
	NewThreads   []ThreadDraft `json:"new_threads"`
	MentionedIDs []int64       `json:"mentioned_ids"`
	ResolvedIDs  []int64       `json:"resolved_ids"`
}

func (p PlotThreadsPayload) Render() string {
	var b strings.Builder
	b.WriteString("New threads:")
	if len(p.NewThreads) == 0 {
		b.WriteString(" none")
	}
	for _, t := range p.NewThreads {
		fmt.Fprintf(&b, "\n- %s", t.Title)
		if t.DeadlineInTurns > 0 {
			fmt.Fprintf(&b, " (due in %d turns)", t.DeadlineInTurns)
		}
	}
	if len(p.ResolvedIDs) > 0 {
		fmt.Fprintf(&b, "\nResolved: %s", joinIDs(p.ResolvedIDs))
	}
	if len(p.MentionedIDs) > 0 {
		fmt.Fprintf(&b, "\nAdvanced: %s", joinIDs(p.MentionedIDs))
	}
	return b.String()
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("#%d", id))
	}
	return strings.Join(parts, ", ")
}

// PlotThreadsAgent opens, advances and resolves plot threads. It reads the
// open threads through the metadata pre-filter and never writes during Run.
type PlotThreadsAgent struct {
	*base
	threads storex.Store
}

func NewPlotThreadsAgent(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string, threads storex.Store, opts ...Option) (*PlotThreadsAgent, error) {
	if threads == nil {
		return nil, fmt.Errorf("%w: plot thread store is nil", contractx.ErrValidation)
	}
	b, err := newBase(ctx, descriptor(PlotThreadsID, "Plot thread tracker", contractx.ClassBackground, 60, opts), chatModel, systemPrompt)
	if err != nil {
		return nil, err
	}
	return &PlotThreadsAgent{base: b, threads: threads}, nil
}

func (a *PlotThreadsAgent) Run(ctx context.Context, in *contractx.TurnContext) (any, error) {
	if err := requireNarrative(PlotThreadsID, in); err != nil {
		return nil, err
	}

	metas, err := a.threads.ListMeta(ctx, storex.KindPlotThread)
	if err != nil {
		return nil, fmt.Errorf("list open threads: %w", err)
	}
	criteria := tieringx.NewCriteria(in.Turn, tieringx.Keywords(in.Narrative), in.PreviousScene, in.Location)
	offered := tieringx.Select(metas, criteria, offeredThreads)

	lines := make([]string, 0, len(offered))
	offeredIDs := make([]int64, 0, len(offered))
	for _, c := range offered {
		deadline := "none"
		if c.Meta.DeadlineTurn > 0 {
			deadline = fmt.Sprintf("%d", c.Meta.DeadlineTurn)
		}
		lines = append(lines, fmt.Sprintf("#%d | %s | %s | %s", c.Meta.ID, c.Meta.Title, c.Meta.Status, deadline))
		offeredIDs = append(offeredIDs, c.Meta.ID)
	}

	out, err := ask[PlotThreadsPayload](ctx, a.base, map[string]any{
		"narrative":    in.Narrative,
		"turn":         in.Turn,
		"open_threads": lines,
		"catalog":      catalogLines(in.Entities),
	})
	if err != nil {
		return nil, err
	}

	out.ResolvedIDs = onlyOffered(out.ResolvedIDs, offeredIDs, nil)
	out.MentionedIDs = onlyOffered(out.MentionedIDs, offeredIDs, out.ResolvedIDs)

	threads := make([]ThreadDraft, 0, len(out.NewThreads))
	for _, t := range out.NewThreads {
		t.Title = strings.TrimSpace(t.Title)
		if t.Title == "" {
			continue
		}
		if t.DeadlineInTurns < 0 {
			t.DeadlineInTurns = 0
		}
		t.Characters = knownIDs(t.Characters, in.Entities)
		threads = append(threads, t)
	}
	out.NewThreads = threads
	return out, nil
}

// onlyOffered drops ids the model was not shown, duplicates, and ids in exclude.
func onlyOffered(ids, offered, exclude []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(offered, id) || slices.Contains(exclude, id) || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (a *PlotThreadsAgent) Apply(ctx context.Context, st storex.Store, turn int, res contractx.Result) error {
	var p PlotThreadsPayload
	if err := res.Decode(&p); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", contractx.ErrMalformedOutput, PlotThreadsID, err)
	}

	for _, t := range p.NewThreads {
		e := storex.Entry{
			Kind:         storex.KindPlotThread,
			Title:        t.Title,
			Content:      t.Content,
			Characters:   t.Characters,
			Tags:         t.Tags,
			Significance: t.Significance,
			Consequence:  strings.TrimSpace(t.Consequence),
		}
		if t.DeadlineInTurns > 0 {
			e.DeadlineTurn = turn + t.DeadlineInTurns
		}
		if _, err := st.Append(ctx, e, turn); err != nil {
			return fmt.Errorf("store plot thread: %w", err)
		}
	}
	if err := st.Touch(ctx, p.MentionedIDs, turn); err != nil {
		return fmt.Errorf("touch plot threads: %w", err)
	}
	for _, id := range p.ResolvedIDs {
		if err := st.Archive(ctx, id); err != nil {
			if errors.Is(err, storex.ErrEntryNotFound) {
				continue
			}
			return fmt.Errorf("archive plot thread %d: %w", id, err)
		}
	}
	return nil
}
