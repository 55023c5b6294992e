// ABOUTME: Token-budget middleware that caps cumulative session token usage
// ABOUTME: Stateless; reads the counters the worker seeded onto the context

package middleware

import (
	"context"
	"fmt"
)

// TokenBudget short-circuits a message once the session's cumulative
// input+output token count reaches the configured maximum. A maximum of 0
// means unlimited.
type TokenBudget struct {
	max int64
}

// NewTokenBudget creates a token budget middleware with the given ceiling.
func NewTokenBudget(max int64) *TokenBudget {
	return &TokenBudget{max: max}
}

// Handle compares the context's session counters against the ceiling.
func (tb *TokenBudget) Handle(ctx context.Context, mc *Context, next func() error) error {
	if tb.max <= 0 {
		return next()
	}

	used := mc.SessionInputTokens + mc.SessionOutputTokens
	if used >= tb.max {
		mc.ShortCircuit(fmt.Sprintf(
			"This session has used %d of %d allowed tokens. Please start a new session to continue.",
			used, tb.max,
		))
		return nil
	}
	return next()
}
