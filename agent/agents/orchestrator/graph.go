package orchestrator

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"

	nodex "github.com/tanpawarit/storyweave/agent/nodes"
)

func (o *Orchestrator) compileAssembleGraph(
	ctx context.Context,
) (compose.Runnable[nodex.GraphInput, nodex.GraphOutput], error) {
	graph := compose.NewGraph[nodex.GraphInput, nodex.GraphOutput]()
	session := sessionView{o: o}

	if err := graph.AddLambdaNode("validate_request",
		compose.InvokableLambda(func(ctx context.Context, in nodex.GraphInput) (*nodex.GraphState, error) {
			return nodex.ValidateRequest(in, session, o.now)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node validate_request: %w", err)
	}

	if err := graph.AddLambdaNode("read_cache",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.ReadCache(ctx, in, o.cache, session, o.cfg.StaleThresholdTurns)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node read_cache: %w", err)
	}

	if err := graph.AddLambdaNode("load_catalog",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.LoadCatalog(ctx, in, o.catalog)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node load_catalog: %w", err)
	}

	if err := graph.AddLambdaNode("run_immediate",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.RunImmediate(ctx, in, nodex.ImmediateBatch{
				Coordinator:  o.immediate,
				Agents:       o.registry.Immediate(),
				Timeout:      o.cfg.AgentTimeout(),
				AllowPartial: o.cfg.AllowPartialSuccess,
				Protagonist:  o.cfg.Protagonist,
				SessionID:    o.cfg.SessionID,
			}, session)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node run_immediate: %w", err)
	}

	if err := graph.AddLambdaNode("tier_context",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.TierContext(ctx, in, o.engine, o.cfg.Protagonist)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node tier_context: %w", err)
	}

	if err := graph.AddLambdaNode("assemble_document",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (nodex.GraphOutput, error) {
			return nodex.AssembleDocument(in, o.registry.BackgroundOrder(), session)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node assemble_document: %w", err)
	}

	edges := [][2]string{
		{compose.START, "validate_request"},
		{"validate_request", "read_cache"},
		{"read_cache", "load_catalog"},
		{"load_catalog", "run_immediate"},
		{"run_immediate", "tier_context"},
		{"tier_context", "assemble_document"},
		{"assemble_document", compose.END},
	}

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.assemble_context"))
	if err != nil {
		return nil, fmt.Errorf("compile orchestrator graph: %w", err)
	}
	return runner, nil
}
