// ABOUTME: Contracts for the external collaborators the gateway core consumes
// ABOUTME: Agent executor, channel adapters, pairing, command processing and event streaming

package gateway

import (
	"context"

	"github.com/2389/courier-gateway/internal/message"
	"github.com/2389/courier-gateway/internal/session"
)

// TurnEventKind indicates the type of streaming turn event.
type TurnEventKind int

const (
	TurnTextDelta TurnEventKind = iota
	TurnToolStart
	TurnToolDelta
	TurnToolResult
	TurnError
	TurnDone
)

// TurnEvent is one incremental event from a streaming agent turn.
// Done carries the full reply text; Error carries a diagnostic string.
type TurnEvent struct {
	Kind     TurnEventKind
	Text     string
	ToolName string
	ToolID   string
	Error    string
}

// AgentExecutor runs agent turns. Both methods may mutate the session's
// history and token counters as a side effect; callers hold the session's
// exclusive lock for the full duration.
type AgentExecutor interface {
	// RunTurn performs a single blocking turn and returns the full reply text.
	RunTurn(ctx context.Context, s *session.Session, text string) (string, error)

	// RunTurnStream performs a turn and emits incremental events. The
	// returned channel is closed after a Done or Error event.
	RunTurnStream(ctx context.Context, s *session.Session, text string) (<-chan TurnEvent, error)
}

// ChannelAdapter delivers outbound messages for one channel.
type ChannelAdapter interface {
	Send(ctx context.Context, msg *message.Outbound) error
}

// Pairer is the approval gate for channels with a "pairing" policy.
type Pairer interface {
	IsApproved(channelID, senderID string) bool
	GenerateCode(channelID, senderID string) (string, error)
}

// CommandProcessor gets first claim on raw message text, ahead of the
// middleware chain and the agent. A claimed message goes no further.
type CommandProcessor interface {
	// TryProcessCommand returns handled=true if it claimed the message,
	// optionally with a response to publish.
	TryProcessCommand(ctx context.Context, s *session.Session, text string) (handled bool, response string, err error)
}

// EventStreamer pushes inline events to senders on a connected streaming
// transport. Event types used by the gateway: typing_started, typing_stopped,
// assistant, tool_start, tool_delta, tool_result, error.
type EventStreamer interface {
	// UsesEnvelopes reports whether the sender receives inline event
	// envelopes instead of plain outbound messages.
	UsesEnvelopes(senderID string) bool

	SendEvent(ctx context.Context, senderID, eventType, content, inReplyTo string) error
}
