package contract

import "context"

// Agent is one analysis task. Run must report expected failures (timeout,
// quota, malformed output) as returned errors, never as panics.
type Agent interface {
	Descriptor() Descriptor
	Run(ctx context.Context, in *TurnContext) (any, error)
}

// Renderer is implemented by payloads that know their own prompt text.
type Renderer interface {
	Render() string
}
