package analyst

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

const MentionsID = "mentions"

// MentionsPayload lists catalog entities the new message refers to.
type MentionsPayload struct {
	EntityIDs []string `json:"entity_ids"`
}

func (p MentionsPayload) Render() string {
	if len(p.EntityIDs) == 0 {
		return "No known entities referenced."
	}
	return "Referenced entities: " + strings.Join(p.EntityIDs, ", ")
}

// MentionsAgent is the immediate analyst deciding which entities the
// player's message references.
type MentionsAgent struct {
	*base
}

func NewMentionsAgent(ctx context.Context, chatModel einomodel.BaseChatModel, systemPrompt string, opts ...Option) (*MentionsAgent, error) {
	b, err := newBase(ctx, descriptor(MentionsID, "Entity references in the new message", contractx.ClassImmediate, 100, opts), chatModel, systemPrompt)
	if err != nil {
		return nil, err
	}
	return &MentionsAgent{base: b}, nil
}

func (a *MentionsAgent) Run(ctx context.Context, in *contractx.TurnContext) (any, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: turn context is nil", contractx.ErrValidation)
	}
	if strings.TrimSpace(in.Message) == "" || len(in.Entities) == 0 {
		return MentionsPayload{EntityIDs: []string{}}, nil
	}

	out, err := ask[MentionsPayload](ctx, a.base, map[string]any{
		"message": in.Message,
		"catalog": catalogLines(in.Entities),
	})
	if err != nil {
		return nil, err
	}
	out.EntityIDs = knownIDs(out.EntityIDs, in.Entities)
	return out, nil
}
