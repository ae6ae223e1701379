package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	tieringx "github.com/tanpawarit/storyweave/agent/tiering"
)

func TierContext(ctx context.Context, in *GraphState, engine *tieringx.Engine, protagonist string) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: tiering engine is nil", contractx.ErrValidation)
	}

	doc, err := engine.Assemble(ctx, tieringx.Request{
		Turn:          in.Turn,
		Protagonist:   protagonist,
		PreviousScene: in.PreviousScene,
		Mentions:      in.Mentions,
		Message:       in.Message,
		Location:      in.Location,
	})
	if err != nil {
		return nil, err
	}
	in.Document = doc
	return in, nil
}
