// ABOUTME: Interceptor contract and chain driver for pre-agent message policy
// ABOUTME: Interceptors may rewrite a message, pass it on, or short-circuit with a canned reply

package middleware

import (
	"context"
)

// Context is the short-lived per-message state handed through the chain.
// Interceptors may rewrite Text, stash values for later stages, or
// short-circuit the message entirely. It is confined to one worker goroutine
// and needs no internal locking.
type Context struct {
	ChannelID string
	SenderID  string
	Text      string
	MessageID string

	// Cumulative session token counters at entry, populated by the caller
	// from the session before the chain runs.
	SessionInputTokens  int64
	SessionOutputTokens int64

	values map[string]any

	shortCircuited bool
	response       string
}

// Set stores a value for later interceptors. The underlying map is allocated
// on first use.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

// Get returns a value stored by an earlier interceptor.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// ShortCircuit stops the chain and records the reply to send instead of
// invoking the agent. The flag is monotonic: once set it cannot be cleared,
// and later calls do not overwrite the original response.
func (c *Context) ShortCircuit(response string) {
	if c.shortCircuited {
		return
	}
	c.shortCircuited = true
	c.response = response
}

// ShortCircuited reports whether the message has been short-circuited.
func (c *Context) ShortCircuited() bool {
	return c.shortCircuited
}

// Response returns the reply recorded by ShortCircuit.
func (c *Context) Response() string {
	return c.response
}

// Middleware is one composable step in the message policy chain. An
// implementation may mutate mc, call next to proceed, or decline to call
// next (and usually short-circuit mc) to stop the chain.
type Middleware interface {
	Handle(ctx context.Context, mc *Context, next func() error) error
}

// Func adapts a plain function to the Middleware interface.
type Func func(ctx context.Context, mc *Context, next func() error) error

// Handle calls f.
func (f Func) Handle(ctx context.Context, mc *Context, next func() error) error {
	return f(ctx, mc, next)
}

// Chain runs an ordered, immutable list of interceptors.
type Chain struct {
	stages []Middleware
}

// NewChain builds a chain from the given interceptors. The slice is copied;
// the chain never changes after construction.
func NewChain(stages ...Middleware) *Chain {
	copied := make([]Middleware, len(stages))
	copy(copied, stages)
	return &Chain{stages: copied}
}

// Execute runs each interceptor in registration order. It returns false iff
// the context ends short-circuited; the caller must then use mc.Response()
// instead of invoking the agent.
//
// The short-circuit flag is re-checked before every stage, so a stage that
// short-circuits and still calls its continuation cannot smuggle the message
// past the rest of the chain.
func (ch *Chain) Execute(ctx context.Context, mc *Context) (bool, error) {
	var run func(i int) error
	run = func(i int) error {
		if mc.ShortCircuited() || i >= len(ch.stages) {
			return nil
		}
		return ch.stages[i].Handle(ctx, mc, func() error {
			return run(i + 1)
		})
	}

	if err := run(0); err != nil {
		return false, err
	}
	return !mc.ShortCircuited(), nil
}
