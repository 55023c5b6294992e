// ABOUTME: Inbound worker loop: pairing gate, session lock, command and middleware pipeline, agent dispatch
// ABOUTME: One symmetric worker of N draining the shared inbound queue until shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/courier-gateway/internal/config"
	"github.com/2389/courier-gateway/internal/message"
	"github.com/2389/courier-gateway/internal/middleware"
	"github.com/2389/courier-gateway/internal/session"
)

// internalErrorNotice is the only text a user ever sees for an unexpected
// processing failure; diagnostic detail stays in the logs.
const internalErrorNotice = "Sorry, something went wrong while processing your message. Please try again."

func newMessageID() string {
	return uuid.New().String()
}

func (g *Gateway) runInboundWorker(ctx context.Context, id int) {
	logger := g.logger.With("worker", fmt.Sprintf("inbound-%d", id))
	logger.Debug("inbound worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("inbound worker shutting down")
			return
		case msg := <-g.inbound:
			g.processInbound(ctx, logger, msg)
		}
	}
}

// processInbound runs one message through the full pipeline. A single
// message's failure never stops the worker: errors land in
// handleProcessingError and the loop continues.
func (g *Gateway) processInbound(ctx context.Context, logger *slog.Logger, msg *message.Inbound) {
	if g.dedupe.Seen(msg.MessageID) {
		logger.Debug("dropping duplicate message", "message_id", msg.MessageID, "channel_id", msg.ChannelID)
		return
	}

	if !g.passPairingGate(ctx, logger, msg) {
		return
	}

	sess, err := g.registry.GetOrCreate(ctx, msg.ChannelID, msg.SenderID)
	if err != nil {
		g.handleProcessingError(ctx, logger, msg, err)
		return
	}

	// Serialization point: at most one in-flight turn per session.
	release, err := g.locks.Acquire(ctx, sess.ID)
	if err != nil {
		logger.Debug("lock acquisition aborted", "session_id", sess.ID, "error", err)
		return
	}
	defer release()

	if handled := g.tryCommand(ctx, logger, sess, msg); handled {
		return
	}

	input, output := sess.TokenCounts()
	mc := &middleware.Context{
		ChannelID:           msg.ChannelID,
		SenderID:            msg.SenderID,
		Text:                msg.Text,
		MessageID:           msg.MessageID,
		SessionInputTokens:  input,
		SessionOutputTokens: output,
	}

	proceed, err := g.chain.Execute(ctx, mc)
	if err != nil {
		g.handleProcessingError(ctx, logger, msg, err)
		return
	}
	if !proceed {
		g.reply(ctx, msg, mc.Response())
		return
	}

	if err := g.dispatchTurn(ctx, logger, sess, msg, mc.Text); err != nil {
		if isCancellation(ctx, err) {
			logger.Debug("turn canceled during shutdown", "session_id", sess.ID)
			return
		}
		g.handleProcessingError(ctx, logger, msg, err)
	}
}

// passPairingGate applies the channel's access policy. Returns false when
// the message must go no further.
func (g *Gateway) passPairingGate(ctx context.Context, logger *slog.Logger, msg *message.Inbound) bool {
	switch g.policyFor(msg.ChannelID) {
	case config.PolicyClosed:
		logger.Debug("dropping message for closed channel", "channel_id", msg.ChannelID, "sender_id", msg.SenderID)
		return false
	case config.PolicyPairing:
		if g.pairer.IsApproved(msg.ChannelID, msg.SenderID) {
			return true
		}
		code, err := g.pairer.GenerateCode(msg.ChannelID, msg.SenderID)
		if err != nil {
			logger.Error("generating pairing code failed",
				"channel_id", msg.ChannelID,
				"sender_id", msg.SenderID,
				"error", err,
			)
			return false
		}
		logger.Info("pairing code issued", "channel_id", msg.ChannelID, "sender_id", msg.SenderID)
		g.reply(ctx, msg, fmt.Sprintf("This device is not paired yet. Your pairing code is: %s", code))
		return false
	default:
		return true
	}
}

// tryCommand hands the raw text to the external command processor, if one is
// configured. A claimed message skips the middleware chain and the agent.
func (g *Gateway) tryCommand(ctx context.Context, logger *slog.Logger, sess *session.Session, msg *message.Inbound) bool {
	if g.commands == nil {
		return false
	}

	handled, response, err := g.commands.TryProcessCommand(ctx, sess, msg.Text)
	if err != nil {
		g.handleProcessingError(ctx, logger, msg, fmt.Errorf("command processing: %w", err))
		return true
	}
	if !handled {
		return false
	}

	if response != "" {
		g.reply(ctx, msg, response)
	}
	return true
}

// dispatchTurn runs the agent turn, streaming when the sender's transport
// supports envelopes, and persists the session afterward in both cases.
func (g *Gateway) dispatchTurn(ctx context.Context, logger *slog.Logger, sess *session.Session, msg *message.Inbound, text string) error {
	if g.streamer != nil && g.streamer.UsesEnvelopes(msg.SenderID) {
		if err := g.streamTurn(ctx, sess, msg, text); err != nil {
			return err
		}
	} else {
		reply, err := g.executor.RunTurn(ctx, sess, text)
		if err != nil {
			return fmt.Errorf("agent turn: %w", err)
		}
		if g.cfg.Channels.UsageFooter {
			input, output := sess.TokenCounts()
			reply += fmt.Sprintf("\n\n[tokens: %d in, %d out]", input, output)
		}
		g.reply(ctx, msg, reply)
	}

	if err := g.registry.Persist(ctx, sess); err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		// The turn already reached the user; a failed save is logged, not
		// surfaced back to them.
		logger.Error("persisting session after turn failed", "session_id", sess.ID, "error", err)
	}
	return nil
}

// streamTurn forwards incremental agent events to the sender's streaming
// transport, bracketed by typing signals.
func (g *Gateway) streamTurn(ctx context.Context, sess *session.Session, msg *message.Inbound, text string) error {
	_ = g.streamer.SendEvent(ctx, msg.SenderID, "typing_started", "", msg.MessageID)
	defer func() {
		_ = g.streamer.SendEvent(ctx, msg.SenderID, "typing_stopped", "", msg.MessageID)
	}()

	events, err := g.executor.RunTurnStream(ctx, sess, text)
	if err != nil {
		return fmt.Errorf("starting agent stream: %w", err)
	}

	for ev := range events {
		switch ev.Kind {
		case TurnTextDelta:
			_ = g.streamer.SendEvent(ctx, msg.SenderID, "assistant", ev.Text, msg.MessageID)
		case TurnToolStart:
			_ = g.streamer.SendEvent(ctx, msg.SenderID, "tool_start", ev.ToolName, msg.MessageID)
		case TurnToolDelta:
			_ = g.streamer.SendEvent(ctx, msg.SenderID, "tool_delta", ev.Text, msg.MessageID)
		case TurnToolResult:
			_ = g.streamer.SendEvent(ctx, msg.SenderID, "tool_result", ev.Text, msg.MessageID)
		case TurnError:
			return fmt.Errorf("agent stream: %s", ev.Error)
		case TurnDone:
			return nil
		}
	}
	return nil
}

// reply publishes text back to the message's sender, either as an inline
// assistant event for envelope transports or as a direct outbound message.
func (g *Gateway) reply(ctx context.Context, msg *message.Inbound, text string) {
	if g.streamer != nil && g.streamer.UsesEnvelopes(msg.SenderID) {
		_ = g.streamer.SendEvent(ctx, msg.SenderID, "assistant", text, msg.MessageID)
		return
	}
	_ = g.Publish(ctx, &message.Outbound{
		ChannelID:        msg.ChannelID,
		RecipientID:      msg.SenderID,
		Text:             text,
		ReplyToMessageID: msg.MessageID,
	})
}

// handleProcessingError logs an unexpected failure with full context and
// tries to surface a generic notice to the user. The notification itself is
// guarded so a failure while reporting can never take the worker down.
func (g *Gateway) handleProcessingError(ctx context.Context, logger *slog.Logger, msg *message.Inbound, err error) {
	if isCancellation(ctx, err) {
		logger.Debug("processing aborted by shutdown", "message_id", msg.MessageID)
		return
	}

	logger.Error("message processing failed",
		"channel_id", msg.ChannelID,
		"sender_id", msg.SenderID,
		"message_id", msg.MessageID,
		"error", err,
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("error notification panicked", "panic", r)
			}
		}()
		g.reply(ctx, msg, internalErrorNotice)
	}()
}

// isCancellation reports whether err (or the context itself) reflects
// shutdown rather than a real failure.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
