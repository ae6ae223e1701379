package contract

import (
	"encoding/json"
	"time"
)

type SchedulingClass string

const (
	ClassImmediate  SchedulingClass = "immediate"
	ClassBackground SchedulingClass = "background"
)

type ErrorKind string

const (
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindQuotaExceeded   ErrorKind = "quota_exceeded"
	ErrorKindMalformedOutput ErrorKind = "malformed_output"
	ErrorKindFailed          ErrorKind = "failed"
)

type Policy string

const (
	PolicyRequireAll   Policy = "require_all"
	PolicyAllowPartial Policy = "allow_partial"
)

// PolicyFor converts the allow_partial_success flag into a Policy.
func PolicyFor(allowPartial bool) Policy {
	if allowPartial {
		return PolicyAllowPartial
	}
	return PolicyRequireAll
}

type Descriptor struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Class       SchedulingClass `json:"class"`
	Priority    int             `json:"priority"` // higher runs first
	Timeout     time.Duration   `json:"timeout,omitempty"`
}

type Result struct {
	AgentID     string          `json:"agent_id"`
	Description string          `json:"description,omitempty"`
	Success     bool            `json:"success"`
	Duration    time.Duration   `json:"duration"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Text        string          `json:"text,omitempty"`
	ErrorKind   ErrorKind       `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Decode unmarshals the payload into v. A result without payload leaves v untouched.
func (r Result) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// EntityRef is the lightweight view of an entity agents may reference.
type EntityRef struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

// TurnContext is the read-only input handed to every agent of a batch.
// Agents must not mutate it; it is shared by all workers.
type TurnContext struct {
	SessionID     string      `json:"session_id"`
	Turn          int         `json:"turn"`
	Message       string      `json:"message,omitempty"`
	Narrative     string      `json:"narrative,omitempty"`
	Protagonist   string      `json:"protagonist,omitempty"`
	PreviousScene []string    `json:"previous_scene,omitempty"`
	Location      string      `json:"location,omitempty"`
	Entities      []EntityRef `json:"entities,omitempty"`
	Now           time.Time   `json:"now"`
}
