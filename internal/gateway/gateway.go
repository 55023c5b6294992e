// ABOUTME: Gateway orchestrator wiring the session registry, policy chain and worker pools
// ABOUTME: Manages queues, channel adapters, health endpoints and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/courier-gateway/internal/config"
	"github.com/2389/courier-gateway/internal/dedupe"
	"github.com/2389/courier-gateway/internal/message"
	"github.com/2389/courier-gateway/internal/middleware"
	"github.com/2389/courier-gateway/internal/session"
)

// Collaborators bundles the external dependencies the gateway consumes.
// Store, Executor and Pairer are required; Commands and Streamer are
// optional (nil disables command interception / inline event streaming).
type Collaborators struct {
	Store    session.Store
	Executor AgentExecutor
	Pairer   Pairer
	Commands CommandProcessor
	Streamer EventStreamer
}

// Gateway drains inbound messages through the policy pipeline and the agent
// executor, and delivers replies through registered channel adapters.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *session.Registry
	locks    *session.LockTable
	chain    *middleware.Chain
	dedupe   *dedupe.Cache

	executor AgentExecutor
	pairer   Pairer
	commands CommandProcessor
	streamer EventStreamer

	adaptersMu sync.RWMutex
	adapters   map[string]ChannelAdapter

	inbound  chan *message.Inbound
	outbound chan *message.Outbound

	httpServer *http.Server
	wg         sync.WaitGroup
}

// New creates a Gateway from configuration and collaborators. The durable
// store is borrowed, not owned: the caller remains responsible for closing it.
func New(cfg *config.Config, deps Collaborators, logger *slog.Logger) (*Gateway, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("agent executor is required")
	}
	if deps.Pairer == nil {
		return nil, fmt.Errorf("pairer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := session.NewRegistry(deps.Store, cfg.Sessions.MaxConcurrent, cfg.Sessions.Timeout, logger)
	locks := session.NewLockTable(registry, cfg.Sessions.LockSweepInterval, cfg.Sessions.LockOrphanIdle, logger)

	chain := middleware.NewChain(
		middleware.NewRateLimiter(cfg.Limits.MaxMessagesPerMinute, cfg.Limits.RateSweepEvery, cfg.Limits.RateWindowTTL),
		middleware.NewTokenBudget(cfg.Limits.MaxSessionTokens),
	)

	g := &Gateway{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		registry: registry,
		locks:    locks,
		chain:    chain,
		dedupe:   dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries),
		executor: deps.Executor,
		pairer:   deps.Pairer,
		commands: deps.Commands,
		streamer: deps.Streamer,
		adapters: make(map[string]ChannelAdapter),
		inbound:  make(chan *message.Inbound, cfg.Workers.InboundQueue),
		outbound: make(chan *message.Outbound, cfg.Workers.OutboundQueue),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// RegisterAdapter makes a channel adapter available for outbound delivery.
// Registering the same channel id again replaces the previous adapter.
func (g *Gateway) RegisterAdapter(channelID string, adapter ChannelAdapter) {
	g.adaptersMu.Lock()
	defer g.adaptersMu.Unlock()
	g.adapters[channelID] = adapter
	g.logger.Info("channel adapter registered", "channel_id", channelID)
}

// Registry exposes the session registry for collaborators that need branch
// operations or liveness queries.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// Submit enqueues an inbound message, blocking for queue capacity until the
// context is canceled. A missing message id is filled in so dedupe and reply
// threading still work. No cross-worker ordering is guaranteed for messages
// of the same session beyond mutual exclusion.
func (g *Gateway) Submit(ctx context.Context, msg *message.Inbound) error {
	if msg.MessageID == "" {
		msg.MessageID = newMessageID()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	select {
	case g.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish enqueues an outbound message for delivery.
func (g *Gateway) Publish(ctx context.Context, msg *message.Outbound) error {
	select {
	case g.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the worker pools and the HTTP health server, blocking until the
// context is canceled. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	for i := 1; i <= g.cfg.Workers.Inbound; i++ {
		g.wg.Add(1)
		go func(id int) {
			defer g.wg.Done()
			g.runInboundWorker(ctx, id)
		}(i)
	}
	for i := 1; i <= g.cfg.Workers.Outbound; i++ {
		g.wg.Add(1)
		go func(id int) {
			defer g.wg.Done()
			g.runOutboundWorker(ctx, id)
		}(i)
	}

	g.logger.Info("gateway running",
		"inbound_workers", g.cfg.Workers.Inbound,
		"outbound_workers", g.cfg.Workers.Outbound,
	)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, waits for in-flight workers and releases
// background resources. The borrowed store is not closed here.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	err := g.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown timeout waiting for workers")
	}

	if flushErr := g.registry.Close(ctx); flushErr != nil {
		g.logger.Warn("flushing live sessions failed", "error", flushErr)
	}
	g.dedupe.Close()
	g.locks.Close()

	if err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// adapter looks up the channel adapter for a channel id.
func (g *Gateway) adapter(channelID string) (ChannelAdapter, bool) {
	g.adaptersMu.RLock()
	defer g.adaptersMu.RUnlock()
	a, ok := g.adapters[channelID]
	return a, ok
}

// policyFor returns the configured access policy for a channel, defaulting
// to open.
func (g *Gateway) policyFor(channelID string) string {
	if policy, ok := g.cfg.Channels.Policies[channelID]; ok {
		return policy
	}
	return config.PolicyOpen
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one channel adapter is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	g.adaptersMu.RLock()
	count := len(g.adapters)
	g.adaptersMu.RUnlock()

	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no channel adapters registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d adapters)", count)
}
