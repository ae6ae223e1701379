package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

const defaultTimeout = 30 * time.Second

// Batch is a set of agents awaited together under one deadline and policy.
// A Batch is built per turn and must not be run twice concurrently.
type Batch struct {
	ID      string
	Class   contractx.SchedulingClass
	Agents  []contractx.Agent
	Workers int
	Timeout time.Duration
	Policy  contractx.Policy
}

// Outcome is what a batch produced by the time its wait ended.
type Outcome struct {
	BatchID   string
	Class     contractx.SchedulingClass
	Succeeded []contractx.Result
	Failed    []contractx.Result
	Elapsed   time.Duration
	TimedOut  bool
	Err       error
}

// Results returns successes followed by failures.
func (o Outcome) Results() []contractx.Result {
	out := make([]contractx.Result, 0, len(o.Succeeded)+len(o.Failed))
	out = append(out, o.Succeeded...)
	return append(out, o.Failed...)
}

// Result looks up one agent's result.
func (o Outcome) Result(agentID string) (contractx.Result, bool) {
	for _, r := range o.Results() {
		if r.AgentID == agentID {
			return r, true
		}
	}
	return contractx.Result{}, false
}

type Option func(*runner)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *runner) {
		r.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *runner) {
		if now != nil {
			r.now = now
		}
	}
}

type runner struct {
	logger zerolog.Logger
	now    func() time.Time
}

// collector holds results until the batch wait ends. After seal, late
// results are dropped.
type collector struct {
	mu      sync.Mutex
	sealed  bool
	results map[string]contractx.Result
}

func (c *collector) put(r contractx.Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return false
	}
	c.results[r.AgentID] = r
	return true
}

func (c *collector) seal() map[string]contractx.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	out := make(map[string]contractx.Result, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Run executes the batch. It returns once every agent finished or the batch
// deadline elapsed, whichever comes first. The deadline only ends the wait:
// agent calls keep their own context and finish in the background, and
// anything they produce afterwards is discarded.
func Run(ctx context.Context, b Batch, in *contractx.TurnContext, opts ...Option) Outcome {
	r := &runner{logger: log.Logger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if strings.TrimSpace(b.ID) == "" {
		b.ID = uuid.NewString()
	}
	if b.Policy == "" {
		b.Policy = contractx.PolicyAllowPartial
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	workers := b.Workers
	if workers <= 0 {
		workers = 1
	}

	logger := r.logger.With().Str("batch_id", b.ID).Str("class", string(b.Class)).Logger()
	start := r.now()
	agents := ordered(b.Agents)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Agent calls are detached from the batch wait.
	callCtx := context.WithoutCancel(ctx)

	col := &collector{results: make(map[string]contractx.Result, len(agents))}
	group := new(errgroup.Group)
	group.SetLimit(workers)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, agent := range agents {
			agent := agent
			if waitCtx.Err() != nil {
				// Deadline passed while queued: never started.
				break
			}
			group.Go(func() error {
				if waitCtx.Err() != nil {
					return nil
				}
				res := invoke(callCtx, agent, in, r.now, timeout)
				if !col.put(res) {
					logger.Debug().
						Str("agent_id", res.AgentID).
						Dur("duration", res.Duration).
						Msg("late agent result discarded")
				}
				return nil
			})
		}
		_ = group.Wait()
	}()

	timedOut := false
	select {
	case <-done:
	case <-waitCtx.Done():
		timedOut = true
	}

	collected := col.seal()
	elapsed := r.now().Sub(start)

	out := Outcome{
		BatchID:  b.ID,
		Class:    b.Class,
		Elapsed:  elapsed,
		TimedOut: timedOut,
	}
	for _, agent := range agents {
		d := agent.Descriptor()
		res, ok := collected[d.ID]
		if !ok {
			res = contractx.Result{
				AgentID:     d.ID,
				Description: d.Description,
				Duration:    elapsed,
				ErrorKind:   contractx.ErrorKindTimeout,
				Error:       fmt.Sprintf("no result within batch deadline %s", timeout),
			}
		}
		if res.Success {
			out.Succeeded = append(out.Succeeded, res)
			continue
		}
		out.Failed = append(out.Failed, res)
		logger.Warn().
			Str("agent_id", res.AgentID).
			Str("error_kind", string(res.ErrorKind)).
			Dur("duration", res.Duration).
			Str("error", res.Error).
			Msg("agent failed")
	}

	if b.Policy == contractx.PolicyRequireAll && len(out.Failed) > 0 {
		out.Err = fmt.Errorf("%w: %d of %d agents failed", contractx.ErrBatchFailed, len(out.Failed), len(agents))
	}

	logger.Info().
		Int("agents", len(agents)).
		Int("succeeded", len(out.Succeeded)).
		Int("failed", len(out.Failed)).
		Bool("timed_out", timedOut).
		Dur("duration", elapsed).
		Msg("batch finished")

	return out
}

// invoke runs one agent under its own timeout, or fallback when the
// descriptor sets none, so no call outlives its bound.
func invoke(ctx context.Context, agent contractx.Agent, in *contractx.TurnContext, now func() time.Time, fallback time.Duration) (res contractx.Result) {
	d := agent.Descriptor()
	res = contractx.Result{AgentID: d.ID, Description: d.Description}
	start := now()

	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Payload = nil
			res.Text = ""
			res.ErrorKind = contractx.ErrorKindFailed
			res.Error = fmt.Sprintf("agent panicked: %v", p)
		}
		res.Duration = now().Sub(start)
	}()

	limit := d.Timeout
	if limit <= 0 {
		limit = fallback
	}
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	payload, err := agent.Run(ctx, in)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", contractx.ErrTimeout, ctx.Err())
	}
	if err != nil {
		res.ErrorKind = contractx.Classify(err)
		res.Error = err.Error()
		return res
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			res.ErrorKind = contractx.ErrorKindMalformedOutput
			res.Error = fmt.Sprintf("encode payload: %v", err)
			return res
		}
		res.Payload = raw
		if renderer, ok := payload.(contractx.Renderer); ok {
			res.Text = renderer.Render()
		}
	}
	res.Success = true
	return res
}

// ordered sorts by priority (desc) then id, and drops nil agents.
func ordered(agents []contractx.Agent) []contractx.Agent {
	out := make([]contractx.Agent, 0, len(agents))
	for _, a := range agents {
		if a != nil {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].Descriptor(), out[j].Descriptor()
		if di.Priority != dj.Priority {
			return di.Priority > dj.Priority
		}
		return di.ID < dj.ID
	})
	return out
}

// IsBatchFailure reports whether err came from a RequireAll batch.
func IsBatchFailure(err error) bool {
	return errors.Is(err, contractx.ErrBatchFailed)
}
