// Package driver abstracts the LLM agent backing an agent session. The
// runtime hands a driver one user text per turn and consumes a finite stream
// of typed fragments ending at the first result.
package driver

import (
	"context"

	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// FragmentKind tags one streamed piece of an assistant turn.
type FragmentKind string

const (
	FragmentText     FragmentKind = "text"
	FragmentThinking FragmentKind = "thinking"
	FragmentToolUse  FragmentKind = "tool_use"
	FragmentResult   FragmentKind = "result"
)

// Usage tracks token consumption of one turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Result is the terminal fragment of a turn.
type Result struct {
	Text         string  `json:"text"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        Usage   `json:"usage"`
}

// Fragment is one streamed piece of an assistant response. Exactly the
// fields for its kind are set.
type Fragment struct {
	Kind      FragmentKind   `json:"kind"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Result    *Result        `json:"result,omitempty"`
}

// Driver is the external collaborator that turns a user text into a lazy
// stream of assistant fragments.
type Driver interface {
	// Connect establishes the backing agent process or connection.
	Connect(ctx context.Context) error
	// Disconnect tears it down. Safe to call more than once.
	Disconnect() error
	// Query submits one user turn and returns its fragment stream. The
	// stream is finite, non-restartable, and closes after the result
	// fragment, or earlier when interrupted.
	Query(ctx context.Context, text string) (<-chan Fragment, error)
	// Interrupt cancels the in-flight stream. It takes effect no later than
	// the next fragment boundary and does not wait.
	Interrupt()
}

// Factory builds a driver for one session of a node. The node's workspace
// directory is the only filesystem surface the driver may touch.
type Factory func(node *model.Node, sessionID string) (Driver, error)
