package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	coordinatorx "github.com/tanpawarit/storyweave/agent/coordinator"
	statex "github.com/tanpawarit/storyweave/agent/state"
)

const (
	backgroundHeading = "# Story analysis (previous turn)"
	immediateHeading  = "# Message analysis"
	contextHeading    = "# Story context"
)

// AssembleDocument joins the cached background analysis, the immediate
// analysis and the tiered document into the text handed to the prompt
// builder. Stale background analysis is left out.
func AssembleDocument(in *GraphState, backgroundOrder []string, session Session) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	var parts []string
	if in.Record.Fresh() {
		if text := coordinatorx.FormatResults(in.Record.BackgroundResults(backgroundOrder)); text != "" {
			parts = append(parts, backgroundHeading+"\n\n"+text)
		}
	}
	if text := strings.TrimSpace(in.ImmediateText); text != "" {
		parts = append(parts, immediateHeading+"\n\n"+text)
	}
	if text := in.Document.Render(); text != "" {
		parts = append(parts, contextHeading+"\n\n"+text)
	}

	advance(session, statex.PhaseContextAssembled, in.Turn)
	advance(session, statex.PhaseIdle, in.Turn)

	return GraphOutput{
		Turn:      in.Turn,
		Context:   strings.Join(parts, "\n\n"),
		Document:  in.Document,
		Record:    in.Record,
		Immediate: in.Immediate,
	}, nil
}
