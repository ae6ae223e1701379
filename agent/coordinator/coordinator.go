package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	poolx "github.com/tanpawarit/storyweave/agent/pool"
	logx "github.com/tanpawarit/storyweave/pkg/logger"
)

// AgentStat is the timing and outcome of one agent in the last run.
type AgentStat struct {
	Duration  time.Duration       `json:"duration"`
	Success   bool                `json:"success"`
	ErrorKind contractx.ErrorKind `json:"error_kind,omitempty"`
}

type Stats struct {
	BatchID       string               `json:"batch_id,omitempty"`
	Total         int                  `json:"total"`
	Succeeded     int                  `json:"succeeded"`
	Failed        int                  `json:"failed"`
	TimedOut      int                  `json:"timed_out"`
	QuotaExceeded int                  `json:"quota_exceeded"`
	Elapsed       time.Duration        `json:"elapsed"`
	Agents        map[string]AgentStat `json:"agents,omitempty"`
}

// Coordinator owns the agents of one scheduling class. It is reused across
// turns: callers Clear and Register again for every turn.
type Coordinator struct {
	mu      sync.Mutex
	class   contractx.SchedulingClass
	workers int
	guard   *poolx.QuotaGuard
	logger  zerolog.Logger
	agents  []contractx.Agent
	ids     map[string]struct{}
	stats   Stats
}

type Option func(*Coordinator)

func WithQuotaGuard(guard *poolx.QuotaGuard) Option {
	return func(c *Coordinator) {
		if guard != nil {
			c.guard = guard
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func New(class contractx.SchedulingClass, workers int, opts ...Option) *Coordinator {
	c := &Coordinator{
		class:   class,
		workers: workers,
		logger:  logx.Component("coordinator").With().Str("class", string(class)).Logger(),
		ids:     make(map[string]struct{}, 8),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.guard == nil {
		c.guard = poolx.NewQuotaGuard(0)
	}
	return c
}

// Register adds an agent to the next batch.
func (c *Coordinator) Register(agent contractx.Agent) error {
	if agent == nil {
		return fmt.Errorf("%w: nil agent", contractx.ErrValidation)
	}
	id := strings.TrimSpace(agent.Descriptor().ID)
	if id == "" {
		return fmt.Errorf("%w: agent id is empty", contractx.ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return fmt.Errorf("%w: %s", contractx.ErrDuplicateAgent, id)
	}
	c.ids[id] = struct{}{}
	c.agents = append(c.agents, agent)
	return nil
}

// Len returns the number of registered agents.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.agents)
}

// RunAll runs every registered agent as one batch and returns the formatted
// context block. The error is non-nil only for RequireAll batches with a
// failure; the text and outcome are populated either way.
func (c *Coordinator) RunAll(
	ctx context.Context,
	in *contractx.TurnContext,
	timeout time.Duration,
	allowPartial bool,
) (string, poolx.Outcome, error) {
	c.mu.Lock()
	agents := append([]contractx.Agent(nil), c.agents...)
	c.mu.Unlock()

	batch := poolx.Batch{
		Class:   c.class,
		Agents:  agents,
		Workers: c.workers,
		Timeout: timeout,
		Policy:  contractx.PolicyFor(allowPartial),
	}

	tripped, reason := c.guard.Tripped()
	if tripped {
		out := c.skipForQuota(batch, reason)
		c.record(out)
		return FormatResults(out.Results()), out, out.Err
	}

	out := poolx.Run(ctx, batch, in, poolx.WithLogger(c.logger))
	for _, r := range out.Failed {
		if r.ErrorKind == contractx.ErrorKindQuotaExceeded {
			c.guard.Trip(r.Error)
			break
		}
	}

	c.record(out)
	return FormatResults(out.Results()), out, out.Err
}

// skipForQuota reports every agent as quota_exceeded without calling it.
func (c *Coordinator) skipForQuota(b poolx.Batch, reason string) poolx.Outcome {
	out := poolx.Outcome{Class: b.Class}
	for _, a := range b.Agents {
		d := a.Descriptor()
		out.Failed = append(out.Failed, contractx.Result{
			AgentID:     d.ID,
			Description: d.Description,
			ErrorKind:   contractx.ErrorKindQuotaExceeded,
			Error:       "skipped: provider quota exhausted (" + reason + ")",
		})
	}
	if b.Policy == contractx.PolicyRequireAll && len(out.Failed) > 0 {
		out.Err = fmt.Errorf("%w: provider quota exhausted", contractx.ErrBatchFailed)
	}
	c.logger.Warn().Int("agents", len(b.Agents)).Str("reason", reason).Msg("batch skipped while quota guard is tripped")
	return out
}

func (c *Coordinator) record(out poolx.Outcome) {
	stats := Stats{
		BatchID: out.BatchID,
		Elapsed: out.Elapsed,
		Agents:  make(map[string]AgentStat, len(out.Succeeded)+len(out.Failed)),
	}
	for _, r := range out.Results() {
		stats.Total++
		stats.Agents[r.AgentID] = AgentStat{Duration: r.Duration, Success: r.Success, ErrorKind: r.ErrorKind}
		if r.Success {
			stats.Succeeded++
			continue
		}
		stats.Failed++
		switch r.ErrorKind {
		case contractx.ErrorKindTimeout:
			stats.TimedOut++
		case contractx.ErrorKindQuotaExceeded:
			stats.QuotaExceeded++
		}
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// Stats returns the statistics of the last RunAll.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Agents = make(map[string]AgentStat, len(c.stats.Agents))
	for k, v := range c.stats.Agents {
		out.Agents[k] = v
	}
	return out
}

// Clear drops registered agents and the last statistics.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = nil
	c.ids = make(map[string]struct{}, 8)
	c.stats = Stats{}
}
