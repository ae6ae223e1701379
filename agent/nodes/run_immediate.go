package orchestratornode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	analystx "github.com/tanpawarit/storyweave/agent/agents/analyst"
	contractx "github.com/tanpawarit/storyweave/agent/contract"
	coordinatorx "github.com/tanpawarit/storyweave/agent/coordinator"
	statex "github.com/tanpawarit/storyweave/agent/state"
)

// ImmediateBatch is what RunImmediate needs to run the per-message analysts.
type ImmediateBatch struct {
	Coordinator  *coordinatorx.Coordinator
	Agents       []contractx.Agent
	Timeout      time.Duration
	AllowPartial bool
	Protagonist  string
	SessionID    string
}

// RunImmediate runs the immediate analysts against the new message. Failed
// analysts only reduce what the document knows; the turn goes on.
func RunImmediate(ctx context.Context, in *GraphState, batch ImmediateBatch, session Session) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if batch.Coordinator == nil {
		return nil, fmt.Errorf("%w: immediate coordinator is nil", contractx.ErrValidation)
	}

	advance(session, statex.PhaseImmediateRunning, in.Turn)

	coord := batch.Coordinator
	coord.Clear()
	for _, a := range batch.Agents {
		if err := coord.Register(a); err != nil {
			return nil, err
		}
	}

	turnCtx := &contractx.TurnContext{
		SessionID:     batch.SessionID,
		Turn:          in.Turn,
		Message:       in.Message,
		Protagonist:   batch.Protagonist,
		PreviousScene: in.PreviousScene,
		Location:      in.Location,
		Entities:      in.Entities,
		Now:           in.Now,
	}

	text, out, err := coord.RunAll(ctx, turnCtx, batch.Timeout, batch.AllowPartial)
	if err != nil {
		log.Warn().Err(err).Int("turn", in.Turn).Str("batch_id", out.BatchID).Msg("immediate analysis incomplete")
	}
	in.Immediate = out
	in.ImmediateText = text
	in.Mentions = mentionsFrom(out.Succeeded)
	return in, nil
}

func mentionsFrom(results []contractx.Result) []string {
	for _, r := range results {
		if r.AgentID != analystx.MentionsID {
			continue
		}
		var p analystx.MentionsPayload
		if err := r.Decode(&p); err != nil {
			log.Warn().Err(err).Str("agent_id", r.AgentID).Msg("mentions payload is unreadable")
			return nil
		}
		return p.EntityIDs
	}
	return nil
}
