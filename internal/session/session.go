// ABOUTME: Session and branch data types plus the durable store contract
// ABOUTME: A session is conversation state keyed by channel+sender; a branch is a named history snapshot

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested session does not exist
var ErrNotFound = errors.New("session not found")

// ErrBranchNotFound is returned when a requested branch does not exist
var ErrBranchNotFound = errors.New("branch not found")

// Session lifecycle states
const (
	StateActive  = "active"
	StateExpired = "expired"
)

// Turn roles within a session history
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Key derives the canonical session key for a channel and sender.
func Key(channelID, senderID string) string {
	return channelID + ":" + senderID
}

// Turn is one entry in a session's conversation history.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the durable conversation state for one channel+sender pair.
// Field access goes through the methods below; the internal mutex keeps
// registry bookkeeping (timestamps, expiry) safe against the agent executor
// mutating history and counters from a different goroutine.
type Session struct {
	mu sync.Mutex

	ID           string
	ChannelID    string
	SenderID     string
	History      []Turn
	InputTokens  int64
	OutputTokens int64
	LastActiveAt time.Time
	State        string
}

// New constructs a fresh Active session for the given identity.
func New(channelID, senderID string) *Session {
	return &Session{
		ID:           Key(channelID, senderID),
		ChannelID:    channelID,
		SenderID:     senderID,
		LastActiveAt: time.Now(),
		State:        StateActive,
	}
}

// Touch refreshes the last-active timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}

// LastActive returns the last-active timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActiveAt
}

// IsActive reports whether the session is in the Active state.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StateActive
}

// MarkExpired transitions the session to the Expired state.
func (s *Session) MarkExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateExpired
}

// AppendTurn adds a turn to the history.
func (s *Session) AppendTurn(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, Turn{Role: role, Text: text, CreatedAt: time.Now()})
}

// AddUsage accumulates token counters from an agent turn.
func (s *Session) AddUsage(inputTokens, outputTokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InputTokens += inputTokens
	s.OutputTokens += outputTokens
}

// TokenCounts returns the cumulative input and output token counters.
func (s *Session) TokenCounts() (input, output int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InputTokens, s.OutputTokens
}

// HistoryCopy returns a defensive copy of the conversation history.
func (s *Session) HistoryCopy() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyHistory(s.History)
}

// ReplaceHistory overwrites the conversation history with a copy of the
// given turns and refreshes the last-active timestamp.
func (s *Session) ReplaceHistory(history []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = copyHistory(history)
	s.LastActiveAt = time.Now()
}

// Snapshot returns a detached copy of the session suitable for persistence.
// The copy shares nothing with the live instance.
func (s *Session) Snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Session{
		ID:           s.ID,
		ChannelID:    s.ChannelID,
		SenderID:     s.SenderID,
		History:      copyHistory(s.History),
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
		LastActiveAt: s.LastActiveAt,
		State:        s.State,
	}
}

func copyHistory(history []Turn) []Turn {
	if history == nil {
		return nil
	}
	out := make([]Turn, len(history))
	copy(out, history)
	return out
}

// Branch is an immutable named snapshot of a session's history.
type Branch struct {
	ID        string
	SessionID string
	Name      string
	CreatedAt time.Time
	History   []Turn
}

// BranchID derives a unique branch id from a session id, a user-chosen name
// and a creation timestamp.
func BranchID(sessionID, name string, createdAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", sessionID, name, createdAt.UnixNano())
}

// Store defines the durable persistence contract the registry requires.
// Implementations must tolerate concurrent calls for different keys; no
// transactional guarantee is required across calls.
type Store interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error

	SaveBranch(ctx context.Context, b *Branch) error
	LoadBranch(ctx context.Context, id string) (*Branch, error)
	ListBranches(ctx context.Context, sessionID string) ([]*Branch, error)
	DeleteBranch(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
