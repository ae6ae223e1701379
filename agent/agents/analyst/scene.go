package analyst

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

const SceneID = "scene"

// ScenePayload is who is present at the end of the narrative, and where.
// The next turn loads these participants in full.
type ScenePayload struct {
	Participants []string `json:"participants"`
	Location     string   `json:"location,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

func (p ScenePayload) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Participants: %s", strings.Join(p.Participants, ", "))
	if p.Location != "" {
		fmt.Fprintf(&b, "\nLocation: %s", p.Location)
	}
	if p.Summary != "" {
		fmt.Fprintf(&b, "\nSituation: %s", p.Summary)
	}
	return b.String()
}

type SceneAgent struct {
	*base
}

func NewSceneAgent(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string, opts ...Option) (*SceneAgent, error) {
	b, err := newBase(ctx, descriptor(SceneID, "Scene tracker", contractx.ClassBackground, 90, opts), chatModel, systemPrompt)
	if err != nil {
		return nil, err
	}
	return &SceneAgent{base: b}, nil
}

func (a *SceneAgent) Run(ctx context.Context, in *contractx.TurnContext) (any, error) {
	if err := requireNarrative(SceneID, in); err != nil {
		return nil, err
	}

	out, err := ask[ScenePayload](ctx, a.base, map[string]any{
		"narrative":      in.Narrative,
		"protagonist":    in.Protagonist,
		"previous_scene": in.PreviousScene,
		"location":       in.Location,
		"catalog":        catalogLines(in.Entities),
	})
	if err != nil {
		return nil, err
	}

	out.Participants = knownIDs(out.Participants, in.Entities)
	out.Location = strings.ToLower(strings.TrimSpace(out.Location))
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Participants == nil {
		out.Participants = []string{}
	}
	return out, nil
}
