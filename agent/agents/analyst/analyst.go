package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	llmx "github.com/tanpawarit/storyweave/agent/llm"
)

// maxLoggedPayload bounds how much of a malformed model reply is logged.
const maxLoggedPayload = 2000

// base is the shared prompt -> model pipeline of every analyst.
type base struct {
	desc   contractx.Descriptor
	runner compose.Runnable[map[string]any, *schema.Message]
	logger zerolog.Logger
}

func newBase(ctx context.Context, desc contractx.Descriptor, chatModel einomodel.BaseChatModel, systemPrompt string) (*base, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: chat model for %s is nil", contractx.ErrValidation, desc.ID)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: %s", contractx.ErrPromptMissing, desc.ID)
	}
	runner, err := compileAnalystGraph(ctx, chatModel, systemPrompt, "analyst."+desc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s graph: %v", contractx.ErrModelInvoke, desc.ID, err)
	}
	return &base{
		desc:   desc,
		runner: runner,
		logger: log.With().Str("component", "analyst").Str("agent_id", desc.ID).Logger(),
	}, nil
}

func (b *base) Descriptor() contractx.Descriptor {
	return b.desc
}

func compileAnalystGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	graphName string,
) (compose.Runnable[map[string]any, *schema.Message], error) {
	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{input}"),
	)

	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add analyst prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add analyst model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add analyst edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add analyst edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add analyst edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(graphName))
	if err != nil {
		return nil, fmt.Errorf("compile analyst graph: %w", err)
	}
	return runner, nil
}

// ask sends payload as the user message and decodes the JSON reply into T.
func ask[T any](ctx context.Context, b *base, payload map[string]any) (T, error) {
	var zero T

	input, err := json.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("%w: marshal %s payload: %v", contractx.ErrValidation, b.desc.ID, err)
	}

	msg, err := b.runner.Invoke(ctx, map[string]any{"input": string(input)})
	if err != nil {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %s: %v", contractx.ErrTimeout, b.desc.ID, err)
		}
		return zero, llmx.ClassifyMessage(fmt.Errorf("%s invoke: %w", b.desc.ID, err))
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return zero, fmt.Errorf("%w: %s returned an empty reply", contractx.ErrMalformedOutput, b.desc.ID)
	}

	parser := schema.NewMessageJSONParser[T](&schema.MessageJSONParseConfig{
		ParseFrom: schema.MessageParseFromContent,
	})
	out, err := parser.Parse(ctx, &schema.Message{Role: msg.Role, Content: stripFences(msg.Content)})
	if err != nil {
		raw := msg.Content
		if len(raw) > maxLoggedPayload {
			raw = raw[:maxLoggedPayload]
		}
		b.logger.Warn().Err(err).Str("raw_payload", raw).Msg("analyst reply is not valid JSON")
		return zero, fmt.Errorf("%w: %s: %v", contractx.ErrMalformedOutput, b.desc.ID, err)
	}
	return out, nil
}

// stripFences removes a markdown code fence around a JSON reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// catalogLines renders refs as "id | name | aliases".
func catalogLines(refs []contractx.EntityRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, fmt.Sprintf("%s | %s | %s", r.ID, r.Name, strings.Join(r.Aliases, ", ")))
	}
	return out
}

// knownIDs keeps ids present in refs, lowercased and deduplicated, in order.
// With an empty catalog every non-empty id is kept.
func knownIDs(ids []string, refs []contractx.EntityRef) []string {
	known := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		known[strings.ToLower(r.ID)] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if _, ok := known[id]; len(known) > 0 && !ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func requireNarrative(id string, in *contractx.TurnContext) error {
	if in == nil || strings.TrimSpace(in.Narrative) == "" {
		return fmt.Errorf("%w: %s needs the generated narrative", contractx.ErrValidation, id)
	}
	return nil
}
