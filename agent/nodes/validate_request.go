package orchestratornode

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

// ValidateRequest rejects an empty message and starts the next turn.
func ValidateRequest(in GraphInput, session Session, nowFn func() time.Time) (*GraphState, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: session is nil", contractx.ErrValidation)
	}

	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, ErrInvalidMessage
	}

	return &GraphState{
		Message: message,
		Now:     nowFn().UTC(),
		Turn:    session.BeginTurn(),
	}, nil
}
