// Package protocol defines the wire shapes exchanged between the runtime and
// user WebSocket clients. Everything here is stable surface: the web UI and
// the CLI both unmarshal these frames.
package protocol

import "time"

// ProtocolVersion is bumped on breaking changes to the frame shapes below.
const ProtocolVersion = 1

// User-channel message types pushed from the runtime to clients.
const (
	TypeUserMessage       = "user_message"
	TypeAssistantText     = "assistant_text"
	TypeAssistantThinking = "assistant_thinking"
	TypeAssistantToolUse  = "assistant_tool_use"
	TypeAssistantResult   = "assistant_result"
	TypeSystemMessage     = "system_message"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Client-to-server frame types on the user WebSocket.
const (
	FrameUserMessage   = "user_message"
	FrameUserInterrupt = "user_interrupt"
	FrameError         = "error"
)

// UserMessage is one outgoing session message as seen on a user connection.
// Sequence is the per-session monotonic counter assigned at persistence time.
type UserMessage struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	MessageID string    `json:"message_id"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientFrame is what a client sends over the user WebSocket.
type ClientFrame struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"` // FrameUserMessage or FrameUserInterrupt
	Message   string `json:"message,omitempty"`
}

// ErrorFrame is the server-side error shape on the user WebSocket.
type ErrorFrame struct {
	SessionID string `json:"session_id,omitempty"`
	Type      string `json:"type"` // always FrameError
	Message   string `json:"message"`
}

// NewErrorFrame builds an error frame for a session (sessionID may be empty).
func NewErrorFrame(sessionID, msg string) ErrorFrame {
	return ErrorFrame{SessionID: sessionID, Type: FrameError, Message: msg}
}
