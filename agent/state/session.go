package state

import (
	"errors"
	"fmt"
	"time"
)

// Phase is where a session is in the per-turn analysis cycle:
//
//	idle -> background_running -> cache_written -> cache_read
//	     -> immediate_running -> context_assembled -> idle
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseBackgroundRunning Phase = "background_running"
	PhaseCacheWritten      Phase = "cache_written"
	PhaseCacheRead         Phase = "cache_read"
	PhaseImmediateRunning  Phase = "immediate_running"
	PhaseContextAssembled  Phase = "context_assembled"
)

var ErrInvalidTransition = errors.New("invalid phase transition")

// transitions lists the phases reachable from each phase.
// cache_read is reachable from idle (first turn, no usable cache) and from
// background_running (the next message arrived before the batch finished;
// the last completed record is read).
var transitions = map[Phase][]Phase{
	PhaseIdle:              {PhaseBackgroundRunning, PhaseCacheRead},
	PhaseBackgroundRunning: {PhaseCacheWritten, PhaseIdle, PhaseCacheRead},
	PhaseCacheWritten:      {PhaseCacheRead, PhaseBackgroundRunning},
	PhaseCacheRead:         {PhaseImmediateRunning},
	PhaseImmediateRunning:  {PhaseContextAssembled, PhaseIdle},
	PhaseContextAssembled:  {PhaseIdle},
}

// SessionState is the in-process bookkeeping of one story session.
type SessionState struct {
	SessionID string `json:"session_id"`

	// Epoch is bumped by every reset. A background batch started under an
	// older epoch must not write the cache.
	Epoch uint64 `json:"epoch"`
	Turn  int    `json:"turn"`
	Phase Phase  `json:"phase"`

	// Scene of the last completed background batch; Tier 1 of the next turn.
	Scene    []string `json:"scene,omitempty"`
	Location string   `json:"location,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func NewSessionState(sessionID string, now time.Time) *SessionState {
	return &SessionState{
		SessionID: sessionID,
		Phase:     PhaseIdle,
		UpdatedAt: now.UTC(),
	}
}

func (s *SessionState) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// CanAdvance reports whether the session may move to phase to.
func (s *SessionState) CanAdvance(to Phase) bool {
	if s == nil {
		return false
	}
	from := s.Phase
	if from == "" {
		from = PhaseIdle
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Advance moves the session to phase to.
func (s *SessionState) Advance(to Phase, now time.Time) error {
	if s == nil {
		return errors.New("nil session state")
	}
	if !s.CanAdvance(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, to)
	}
	s.Phase = to
	s.Touch(now)
	return nil
}

// Abort drops the session back to idle after a failed pipeline run.
func (s *SessionState) Abort(now time.Time) {
	s.Phase = PhaseIdle
	s.Touch(now)
}

// BeginTurn starts the next turn and returns its number.
func (s *SessionState) BeginTurn(now time.Time) int {
	s.Turn++
	s.Touch(now)
	return s.Turn
}

// Resume continues numbering after a previously recorded turn.
func (s *SessionState) Resume(turn int, scene []string, location string) {
	if turn > s.Turn {
		s.Turn = turn
	}
	s.Scene = append([]string(nil), scene...)
	s.Location = location
}

// Reset starts a new session: the turn counter and scene are cleared, the
// phase returns to idle and the epoch is bumped.
func (s *SessionState) Reset(now time.Time) uint64 {
	s.Epoch++
	s.Turn = 0
	s.Phase = PhaseIdle
	s.Scene = nil
	s.Location = ""
	s.Touch(now)
	return s.Epoch
}

func (s *SessionState) Validate() error {
	if s == nil {
		return errors.New("nil session state")
	}
	if _, ok := transitions[s.Phase]; !ok {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, s.Phase)
	}
	if s.Turn < 0 {
		return fmt.Errorf("turn must not be negative: %d", s.Turn)
	}
	return nil
}
