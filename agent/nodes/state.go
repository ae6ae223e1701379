package orchestratornode

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	cachex "github.com/tanpawarit/storyweave/agent/cache"
	contractx "github.com/tanpawarit/storyweave/agent/contract"
	poolx "github.com/tanpawarit/storyweave/agent/pool"
	statex "github.com/tanpawarit/storyweave/agent/state"
	tieringx "github.com/tanpawarit/storyweave/agent/tiering"
)

var ErrInvalidMessage = errors.New("message is empty")

// Session is the pipeline's view of the session bookkeeping. Implementations
// must be safe for concurrent use; a background batch may finish while a
// turn is being assembled.
type Session interface {
	BeginTurn() int
	LastScene() (scene []string, location string)
	Advance(to statex.Phase) error
}

type GraphInput struct {
	Message string
}

type GraphOutput struct {
	Turn      int
	Context   string
	Document  *tieringx.Document
	Record    *cachex.Record
	Immediate poolx.Outcome
}

type GraphState struct {
	Message string
	Now     time.Time
	Turn    int

	Record        *cachex.Record
	PreviousScene []string
	Location      string
	Entities      []contractx.EntityRef

	Immediate     poolx.Outcome
	ImmediateText string
	Mentions      []string

	Document *tieringx.Document
}

// advance moves the session to phase to. An out-of-order transition is
// logged and does not fail the turn.
func advance(s Session, to statex.Phase, turn int) {
	if err := s.Advance(to); err != nil {
		log.Warn().Err(err).Int("turn", turn).Str("phase", string(to)).Msg("unexpected session phase transition")
	}
}
