// Package event defines the closed set of mesh event types, their payload
// schemas, and the Envelope the broker transports.
package event

// Type tags an envelope with its semantic event kind. The set is closed:
// envelopes carrying anything else are dropped at ingress.
type Type string

const (
	TypeSessionStart         Type = "session_start"
	TypeSessionResponse      Type = "session_response"
	TypeUserPromptSubmit     Type = "user_prompt_submit"
	TypePreToolUse           Type = "pre_tool_use"
	TypePostToolUse          Type = "post_tool_use"
	TypeSessionEnd           Type = "session_end"
	TypeNodeMessage          Type = "node_message"
	TypeEventBatch           Type = "event_batch"
	TypeSystemMessage        Type = "system_message"
	TypeEmailMessage         Type = "email_message"
	TypeSchedulerMessage     Type = "scheduler_message"
	TypeRedditScraperMessage Type = "reddit_scraper_message"
)

var knownTypes = map[Type]struct{}{
	TypeSessionStart:         {},
	TypeSessionResponse:      {},
	TypeUserPromptSubmit:     {},
	TypePreToolUse:           {},
	TypePostToolUse:          {},
	TypeSessionEnd:           {},
	TypeNodeMessage:          {},
	TypeEventBatch:           {},
	TypeSystemMessage:        {},
	TypeEmailMessage:         {},
	TypeSchedulerMessage:     {},
	TypeRedditScraperMessage: {},
}

// Valid reports whether t belongs to the closed event-type set.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Types returns the full closed set, for diagnostics.
func Types() []Type {
	out := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}
