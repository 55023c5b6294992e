// ABOUTME: Channel-neutral inbound and outbound message types
// ABOUTME: Produced by channel adapters, consumed by the gateway worker pools

package message

import "time"

// Inbound is a normalized message received from a channel adapter.
// SessionID is optional; when empty the gateway derives the session key
// from ChannelID and SenderID.
type Inbound struct {
	ChannelID        string
	SenderID         string
	SessionID        string
	Text             string
	MessageID        string
	ReplyToMessageID string
	ReceivedAt       time.Time
}

// Outbound is a reply queued for delivery through a channel adapter.
type Outbound struct {
	ChannelID        string
	RecipientID      string
	Text             string
	ReplyToMessageID string
}
