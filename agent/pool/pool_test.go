package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

type fakeAgent struct {
	desc contractx.Descriptor
	run  func(ctx context.Context, in *contractx.TurnContext) (any, error)
}

func (f *fakeAgent) Descriptor() contractx.Descriptor {
	return f.desc
}

func (f *fakeAgent) Run(ctx context.Context, in *contractx.TurnContext) (any, error) {
	return f.run(ctx, in)
}

type textPayload struct {
	Value string `json:"value"`
}

func (p textPayload) Render() string {
	return "value: " + p.Value
}

func okAgent(id string, priority int) *fakeAgent {
	return &fakeAgent{
		desc: contractx.Descriptor{ID: id, Description: id + " agent", Priority: priority},
		run: func(context.Context, *contractx.TurnContext) (any, error) {
			return textPayload{Value: id}, nil
		},
	}
}

func failingAgent(id string, err error) *fakeAgent {
	return &fakeAgent{
		desc: contractx.Descriptor{ID: id, Description: id + " agent"},
		run: func(context.Context, *contractx.TurnContext) (any, error) {
			return nil, err
		},
	}
}

func blockingAgent(id string, release <-chan struct{}) *fakeAgent {
	return &fakeAgent{
		desc: contractx.Descriptor{ID: id, Description: id + " agent"},
		run: func(ctx context.Context, _ *contractx.TurnContext) (any, error) {
			<-release
			return textPayload{Value: id}, nil
		},
	}
}

func quiet() Option {
	return WithLogger(zerolog.Nop())
}

func TestRunAllSucceedWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	out := Run(context.Background(), Batch{
		Class:   contractx.ClassImmediate,
		Agents:  []contractx.Agent{okAgent("a", 1), okAgent("b", 3), okAgent("c", 2)},
		Workers: 2,
		Timeout: time.Second,
		Policy:  contractx.PolicyRequireAll,
	}, &contractx.TurnContext{Turn: 1}, quiet())

	require.NoError(t, out.Err)
	assert.False(t, out.TimedOut)
	assert.Empty(t, out.Failed)
	require.Len(t, out.Succeeded, 3)
	assert.Equal(t, "b", out.Succeeded[0].AgentID, "higher priority first")
	assert.Equal(t, "c", out.Succeeded[1].AgentID)
	assert.Equal(t, "a", out.Succeeded[2].AgentID)
	assert.Equal(t, "value: b", out.Succeeded[0].Text)
	assert.JSONEq(t, `{"value":"b"}`, string(out.Succeeded[0].Payload))
	assert.NotEmpty(t, out.BatchID)
}

func TestRunPartialReturnsAtDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	start := time.Now()
	out := Run(context.Background(), Batch{
		Agents:  []contractx.Agent{okAgent("scene", 0), okAgent("memories", 0), blockingAgent("plot", release)},
		Workers: 3,
		Timeout: 200 * time.Millisecond,
		Policy:  contractx.PolicyAllowPartial,
	}, &contractx.TurnContext{}, quiet())
	elapsed := time.Since(start)

	require.NoError(t, out.Err)
	assert.True(t, out.TimedOut)
	assert.Less(t, elapsed, 600*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)

	require.Len(t, out.Succeeded, 2)
	for _, r := range out.Succeeded {
		assert.True(t, r.Success)
		assert.Contains(t, []string{"scene", "memories"}, r.AgentID)
	}
	require.Len(t, out.Failed, 1)
	assert.Equal(t, "plot", out.Failed[0].AgentID)
	assert.Equal(t, contractx.ErrorKindTimeout, out.Failed[0].ErrorKind)
}

func TestRunRequireAllKeepsEveryResult(t *testing.T) {
	t.Parallel()

	out := Run(context.Background(), Batch{
		Agents: []contractx.Agent{
			okAgent("scene", 0),
			failingAgent("memories", fmt.Errorf("%w: bad json", contractx.ErrMalformedOutput)),
		},
		Workers: 2,
		Timeout: time.Second,
		Policy:  contractx.PolicyRequireAll,
	}, &contractx.TurnContext{}, quiet())

	require.Error(t, out.Err)
	assert.True(t, errors.Is(out.Err, contractx.ErrBatchFailed))
	assert.True(t, IsBatchFailure(out.Err))

	ok, found := out.Result("scene")
	require.True(t, found)
	assert.True(t, ok.Success)

	failed, found := out.Result("memories")
	require.True(t, found)
	assert.False(t, failed.Success)
	assert.Equal(t, contractx.ErrorKindMalformedOutput, failed.ErrorKind)
	assert.Contains(t, failed.Error, "bad json")
}

func TestRunAllowPartialNeverEscalates(t *testing.T) {
	t.Parallel()

	out := Run(context.Background(), Batch{
		Agents: []contractx.Agent{
			failingAgent("a", errors.New("boom")),
			failingAgent("b", fmt.Errorf("%w: credit balance too low", contractx.ErrQuotaExceeded)),
		},
		Workers: 1,
		Timeout: time.Second,
	}, &contractx.TurnContext{}, quiet())

	require.NoError(t, out.Err)
	assert.Empty(t, out.Succeeded)
	require.Len(t, out.Failed, 2)

	a, _ := out.Result("a")
	b, _ := out.Result("b")
	assert.Equal(t, contractx.ErrorKindFailed, a.ErrorKind)
	assert.Equal(t, contractx.ErrorKindQuotaExceeded, b.ErrorKind)
}

func TestRunRespectsWorkerLimit(t *testing.T) {
	t.Parallel()

	var running, peak int32
	agents := make([]contractx.Agent, 0, 6)
	for i := 0; i < 6; i++ {
		agents = append(agents, &fakeAgent{
			desc: contractx.Descriptor{ID: fmt.Sprintf("agent-%d", i)},
			run: func(context.Context, *contractx.TurnContext) (any, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			},
		})
	}

	out := Run(context.Background(), Batch{Agents: agents, Workers: 2, Timeout: 2 * time.Second}, &contractx.TurnContext{}, quiet())

	require.Len(t, out.Succeeded, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRunRecoversPanics(t *testing.T) {
	t.Parallel()

	panicky := &fakeAgent{
		desc: contractx.Descriptor{ID: "panicky"},
		run: func(context.Context, *contractx.TurnContext) (any, error) {
			panic("nil entity sheet")
		},
	}

	out := Run(context.Background(), Batch{
		Agents:  []contractx.Agent{panicky, okAgent("scene", 0)},
		Workers: 2,
		Timeout: time.Second,
	}, &contractx.TurnContext{}, quiet())

	require.Len(t, out.Succeeded, 1)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, contractx.ErrorKindFailed, out.Failed[0].ErrorKind)
	assert.Contains(t, out.Failed[0].Error, "nil entity sheet")
}

func TestRunAgentTimeoutIsClassified(t *testing.T) {
	t.Parallel()

	slow := &fakeAgent{
		desc: contractx.Descriptor{ID: "slow", Timeout: 20 * time.Millisecond},
		run: func(ctx context.Context, _ *contractx.TurnContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	out := Run(context.Background(), Batch{Agents: []contractx.Agent{slow}, Workers: 1, Timeout: time.Second}, &contractx.TurnContext{}, quiet())

	assert.False(t, out.TimedOut)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, contractx.ErrorKindTimeout, out.Failed[0].ErrorKind)
}

func TestRunDiscardsLateResults(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	finished := make(chan struct{})
	late := &fakeAgent{
		desc: contractx.Descriptor{ID: "late"},
		run: func(context.Context, *contractx.TurnContext) (any, error) {
			defer close(finished)
			<-release
			return textPayload{Value: "late"}, nil
		},
	}

	out := Run(context.Background(), Batch{Agents: []contractx.Agent{late}, Workers: 1, Timeout: 50 * time.Millisecond}, &contractx.TurnContext{}, quiet())
	close(release)
	<-finished

	assert.Empty(t, out.Succeeded)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, contractx.ErrorKindTimeout, out.Failed[0].ErrorKind)
}

func TestRunBoundsAgentsWithoutTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	cancelled := make(chan struct{})
	hung := &fakeAgent{
		desc: contractx.Descriptor{ID: "hung", Description: "hung agent"},
		run: func(ctx context.Context, _ *contractx.TurnContext) (any, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		},
	}

	out := Run(context.Background(), Batch{
		Agents:  []contractx.Agent{hung},
		Workers: 1,
		Timeout: 30 * time.Millisecond,
	}, &contractx.TurnContext{}, quiet())
	require.Len(t, out.Failed, 1)
	assert.Equal(t, contractx.ErrorKindTimeout, out.Failed[0].ErrorKind)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("agent without its own timeout was never cancelled")
	}
}

func TestQuotaGuardCooldown(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	guard := NewQuotaGuard(time.Minute)
	guard.now = func() time.Time { return now }

	tripped, _ := guard.Tripped()
	assert.False(t, tripped)

	guard.Trip("insufficient_quota")
	tripped, reason := guard.Tripped()
	assert.True(t, tripped)
	assert.Equal(t, "insufficient_quota", reason)

	now = now.Add(2 * time.Minute)
	tripped, _ = guard.Tripped()
	assert.False(t, tripped)

	guard.Trip("again")
	guard.Reset()
	tripped, _ = guard.Tripped()
	assert.False(t, tripped)
}
