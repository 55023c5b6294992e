// ABOUTME: Outbound worker loop delivering replies through channel adapters
// ABOUTME: Fixed-delay bounded retry; permanent failures are logged, never dead-lettered

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/courier-gateway/internal/message"
)

const (
	deliveryAttempts   = 2
	deliveryRetryDelay = 500 * time.Millisecond
)

func (g *Gateway) runOutboundWorker(ctx context.Context, id int) {
	logger := g.logger.With("worker", fmt.Sprintf("outbound-%d", id))
	logger.Debug("outbound worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("outbound worker shutting down")
			return
		case msg := <-g.outbound:
			g.deliver(ctx, logger, msg)
		}
	}
}

// deliver attempts delivery through the destination channel adapter, up to
// deliveryAttempts times with a fixed delay between attempts. Cancellation
// during shutdown aborts immediately without further retries.
func (g *Gateway) deliver(ctx context.Context, logger *slog.Logger, msg *message.Outbound) {
	adapter, ok := g.adapter(msg.ChannelID)
	if !ok {
		logger.Error("dropping message for unknown channel", "channel_id", msg.ChannelID, "recipient_id", msg.RecipientID)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		lastErr = adapter.Send(ctx, msg)
		if lastErr == nil {
			return
		}
		if isCancellation(ctx, lastErr) {
			logger.Debug("delivery aborted by shutdown", "channel_id", msg.ChannelID)
			return
		}

		logger.Warn("outbound delivery failed",
			"channel_id", msg.ChannelID,
			"recipient_id", msg.RecipientID,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == deliveryAttempts {
			break
		}

		select {
		case <-time.After(deliveryRetryDelay):
		case <-ctx.Done():
			return
		}
	}

	logger.Error("permanent outbound delivery failure",
		"channel_id", msg.ChannelID,
		"recipient_id", msg.RecipientID,
		"error", lastErr,
	)
}
