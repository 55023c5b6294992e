// ABOUTME: Tests for the gateway message pipeline: pairing gate, policy chain, dispatch, delivery

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier-gateway/internal/config"
	"github.com/2389/courier-gateway/internal/message"
	"github.com/2389/courier-gateway/internal/session"
	"github.com/2389/courier-gateway/internal/store"
)

// fakeExecutor replies with a fixed prefix, or fails with err if set.
type fakeExecutor struct {
	err   error
	calls int
}

func (e *fakeExecutor) RunTurn(ctx context.Context, s *session.Session, text string) (string, error) {
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	s.AppendTurn(session.RoleUser, text)
	reply := "reply: " + text
	s.AppendTurn(session.RoleAssistant, reply)
	s.AddUsage(int64(len(text)), int64(len(reply)))
	return reply, nil
}

func (e *fakeExecutor) RunTurnStream(ctx context.Context, s *session.Session, text string) (<-chan TurnEvent, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	s.AppendTurn(session.RoleUser, text)
	events := make(chan TurnEvent, 4)
	events <- TurnEvent{Kind: TurnTextDelta, Text: "streamed: "}
	events <- TurnEvent{Kind: TurnTextDelta, Text: text}
	events <- TurnEvent{Kind: TurnDone, Text: "streamed: " + text}
	close(events)
	return events, nil
}

// fakePairer approves a fixed allowlist and issues a static code otherwise.
type fakePairer struct {
	approved map[string]bool
	codeErr  error
}

func (p *fakePairer) IsApproved(channelID, senderID string) bool {
	return p.approved[channelID+":"+senderID]
}

func (p *fakePairer) GenerateCode(channelID, senderID string) (string, error) {
	if p.codeErr != nil {
		return "", p.codeErr
	}
	return "PAIR-1234", nil
}

// fakeAdapter records sent messages and can fail the first N sends.
type fakeAdapter struct {
	mu       sync.Mutex
	sent     []*message.Outbound
	failures int
}

func (a *fakeAdapter) Send(ctx context.Context, msg *message.Outbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		return errors.New("transport unavailable")
	}
	a.sent = append(a.sent, msg)
	return nil
}

func (a *fakeAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

// fakeCommands claims any text starting with "/".
type fakeCommands struct {
	response string
	err      error
}

func (c *fakeCommands) TryProcessCommand(ctx context.Context, s *session.Session, text string) (bool, string, error) {
	if len(text) == 0 || text[0] != '/' {
		return false, "", nil
	}
	return true, c.response, c.err
}

// fakeStreamer records events for senders on its envelope list.
type fakeStreamer struct {
	mu        sync.Mutex
	envelopes map[string]bool
	events    []streamedEvent
}

type streamedEvent struct {
	senderID  string
	eventType string
	content   string
	inReplyTo string
}

func (s *fakeStreamer) UsesEnvelopes(senderID string) bool {
	return s.envelopes[senderID]
}

func (s *fakeStreamer) SendEvent(ctx context.Context, senderID, eventType, content, inReplyTo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, streamedEvent{senderID, eventType, content, inReplyTo})
	return nil
}

func (s *fakeStreamer) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.events))
	for i, ev := range s.events {
		types[i] = ev.eventType
	}
	return types
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type gatewayFixture struct {
	gw       *Gateway
	executor *fakeExecutor
	pairer   *fakePairer
	adapter  *fakeAdapter
	logger   *slog.Logger
}

func newFixture(t *testing.T, mutate func(cfg *config.Config, deps *Collaborators)) *gatewayFixture {
	t.Helper()

	cfg := testConfig()
	executor := &fakeExecutor{}
	pairer := &fakePairer{approved: map[string]bool{}}
	deps := Collaborators{
		Store:    store.NewMemoryStore(),
		Executor: executor,
		Pairer:   pairer,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	logger := discardLogger()
	gw, err := New(cfg, deps, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.dedupe.Close()
		gw.locks.Close()
	})

	adapter := &fakeAdapter{}
	gw.RegisterAdapter("sms", adapter)

	return &gatewayFixture{gw: gw, executor: executor, pairer: pairer, adapter: adapter, logger: logger}
}

func inboundMsg(text string) *message.Inbound {
	return &message.Inbound{
		ChannelID:  "sms",
		SenderID:   "alice",
		Text:       text,
		MessageID:  newMessageID(),
		ReceivedAt: time.Now(),
	}
}

// drainOutbound pops the next queued outbound message or fails the test.
func drainOutbound(t *testing.T, g *Gateway) *message.Outbound {
	t.Helper()
	select {
	case msg := <-g.outbound:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no outbound message queued")
		return nil
	}
}

func requireNoOutbound(t *testing.T, g *Gateway) {
	t.Helper()
	select {
	case msg := <-g.outbound:
		t.Fatalf("unexpected outbound message: %q", msg.Text)
	default:
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	cfg := testConfig()

	_, err := New(cfg, Collaborators{Executor: &fakeExecutor{}, Pairer: &fakePairer{}}, discardLogger())
	assert.ErrorContains(t, err, "store")

	_, err = New(cfg, Collaborators{Store: store.NewMemoryStore(), Pairer: &fakePairer{}}, discardLogger())
	assert.ErrorContains(t, err, "executor")

	_, err = New(cfg, Collaborators{Store: store.NewMemoryStore(), Executor: &fakeExecutor{}}, discardLogger())
	assert.ErrorContains(t, err, "pairer")
}

func TestProcessInbound_HappyPath(t *testing.T) {
	f := newFixture(t, nil)
	msg := inboundMsg("hello")

	f.gw.processInbound(context.Background(), f.logger, msg)

	out := drainOutbound(t, f.gw)
	assert.Equal(t, "sms", out.ChannelID)
	assert.Equal(t, "alice", out.RecipientID)
	assert.Equal(t, "reply: hello", out.Text)
	assert.Equal(t, msg.MessageID, out.ReplyToMessageID)
}

func TestProcessInbound_PersistsSessionAfterTurn(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		deps.Store = mem
	})

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("hello"))

	saved, err := mem.GetSession(context.Background(), session.Key("sms", "alice"))
	require.NoError(t, err)
	assert.Len(t, saved.History, 2)
	assert.Positive(t, saved.InputTokens)
}

func TestProcessInbound_DuplicateDropped(t *testing.T) {
	f := newFixture(t, nil)
	msg := inboundMsg("hello")

	f.gw.processInbound(context.Background(), f.logger, msg)
	drainOutbound(t, f.gw)

	f.gw.processInbound(context.Background(), f.logger, msg)

	requireNoOutbound(t, f.gw)
	assert.Equal(t, 1, f.executor.calls)
}

func TestProcessInbound_ClosedChannelDropped(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		cfg.Channels.Policies = map[string]string{"sms": config.PolicyClosed}
	})

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("hello"))

	requireNoOutbound(t, f.gw)
	assert.Equal(t, 0, f.executor.calls)
}

func TestProcessInbound_UnpairedSenderGetsCode(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		cfg.Channels.Policies = map[string]string{"sms": config.PolicyPairing}
	})

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("hello"))

	out := drainOutbound(t, f.gw)
	assert.Contains(t, out.Text, "not paired yet")
	assert.Contains(t, out.Text, "PAIR-1234")
	assert.Equal(t, 0, f.executor.calls, "unpaired messages never reach the agent")
}

func TestProcessInbound_PairedSenderPasses(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		cfg.Channels.Policies = map[string]string{"sms": config.PolicyPairing}
	})
	f.pairer.approved["sms:alice"] = true

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("hello"))

	out := drainOutbound(t, f.gw)
	assert.Equal(t, "reply: hello", out.Text)
}

func TestProcessInbound_PairingCodeFailureDropsSilently(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		cfg.Channels.Policies = map[string]string{"sms": config.PolicyPairing}
	})
	f.pairer.codeErr = errors.New("code service down")

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("hello"))

	requireNoOutbound(t, f.gw)
}

func TestProcessInbound_CommandClaimsMessage(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		deps.Commands = &fakeCommands{response: "branch saved"}
	})

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("/branch checkpoint"))

	out := drainOutbound(t, f.gw)
	assert.Equal(t, "branch saved", out.Text)
	assert.Equal(t, 0, f.executor.calls, "claimed messages skip the agent")
}

func TestProcessInbound_CommandWithoutResponseStaysSilent(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		deps.Commands = &fakeCommands{}
	})

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("/mute"))

	requireNoOutbound(t, f.gw)
}

func TestProcessInbound_NonCommandFallsThrough(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		deps.Commands = &fakeCommands{response: "unused"}
	})

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("hello"))

	out := drainOutbound(t, f.gw)
	assert.Equal(t, "reply: hello", out.Text)
}

func TestProcessInbound_RateLimitShortCircuits(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		cfg.Limits.MaxMessagesPerMinute = 1
	})

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("first"))
	drainOutbound(t, f.gw)

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("second"))

	out := drainOutbound(t, f.gw)
	assert.Contains(t, out.Text, "too fast")
	assert.Equal(t, 1, f.executor.calls, "blocked messages never reach the agent")
}

func TestProcessInbound_TokenBudgetShortCircuits(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		cfg.Limits.MaxSessionTokens = 10
	})

	// First turn accrues usage past the budget.
	f.gw.processInbound(context.Background(), f.logger, inboundMsg("a long enough message"))
	drainOutbound(t, f.gw)

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("again"))

	out := drainOutbound(t, f.gw)
	assert.Contains(t, out.Text, "allowed tokens")
	assert.Equal(t, 1, f.executor.calls)
}

func TestProcessInbound_ExecutorErrorSendsGenericNotice(t *testing.T) {
	f := newFixture(t, nil)
	f.executor.err = errors.New("model unavailable")

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("hello"))

	out := drainOutbound(t, f.gw)
	assert.Equal(t, internalErrorNotice, out.Text)
}

func TestProcessInbound_CancellationStaysSilent(t *testing.T) {
	f := newFixture(t, nil)
	f.executor.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.gw.processInbound(ctx, f.logger, inboundMsg("hello"))

	requireNoOutbound(t, f.gw)
}

func TestProcessInbound_UsageFooterAppended(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		cfg.Channels.UsageFooter = true
	})

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("hello"))

	out := drainOutbound(t, f.gw)
	assert.Contains(t, out.Text, "reply: hello")
	assert.Contains(t, out.Text, "[tokens: ")
}

func TestProcessInbound_EnvelopeSenderStreamsEvents(t *testing.T) {
	streamer := &fakeStreamer{envelopes: map[string]bool{"alice": true}}
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		deps.Streamer = streamer
	})

	msg := inboundMsg("hello")
	f.gw.processInbound(context.Background(), f.logger, msg)

	requireNoOutbound(t, f.gw)
	types := streamer.eventTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, "typing_started", types[0])
	assert.Equal(t, "typing_stopped", types[len(types)-1])
	assert.Contains(t, types, "assistant")

	streamer.mu.Lock()
	defer streamer.mu.Unlock()
	for _, ev := range streamer.events {
		assert.Equal(t, msg.MessageID, ev.inReplyTo)
	}
}

func TestProcessInbound_NonEnvelopeSenderIgnoresStreamer(t *testing.T) {
	streamer := &fakeStreamer{envelopes: map[string]bool{}}
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		deps.Streamer = streamer
	})

	f.gw.processInbound(context.Background(), f.logger, inboundMsg("hello"))

	out := drainOutbound(t, f.gw)
	assert.Equal(t, "reply: hello", out.Text)
	assert.Empty(t, streamer.eventTypes())
}

func TestSubmit_FillsMessageID(t *testing.T) {
	f := newFixture(t, nil)

	msg := &message.Inbound{ChannelID: "sms", SenderID: "alice", Text: "hi"}
	require.NoError(t, f.gw.Submit(context.Background(), msg))

	assert.NotEmpty(t, msg.MessageID)
	assert.False(t, msg.ReceivedAt.IsZero())

	queued := <-f.gw.inbound
	assert.Same(t, msg, queued)
}

func TestSubmit_CanceledContext(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		cfg.Workers.InboundQueue = 1
	})

	require.NoError(t, f.gw.Submit(context.Background(), inboundMsg("fills the queue")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.gw.Submit(ctx, inboundMsg("blocked"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeliver_Success(t *testing.T) {
	f := newFixture(t, nil)

	f.gw.deliver(context.Background(), f.logger, &message.Outbound{ChannelID: "sms", RecipientID: "alice", Text: "hi"})

	assert.Equal(t, 1, f.adapter.sentCount())
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.failures = 1

	start := time.Now()
	f.gw.deliver(context.Background(), f.logger, &message.Outbound{ChannelID: "sms", RecipientID: "alice", Text: "hi"})

	assert.Equal(t, 1, f.adapter.sentCount())
	assert.GreaterOrEqual(t, time.Since(start), deliveryRetryDelay)
}

func TestDeliver_PermanentFailureDropsMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.adapter.failures = deliveryAttempts + 1

	f.gw.deliver(context.Background(), f.logger, &message.Outbound{ChannelID: "sms", RecipientID: "alice", Text: "hi"})

	assert.Equal(t, 0, f.adapter.sentCount())
}

func TestDeliver_UnknownChannelDropped(t *testing.T) {
	f := newFixture(t, nil)

	f.gw.deliver(context.Background(), f.logger, &message.Outbound{ChannelID: "carrier-pigeon", RecipientID: "alice", Text: "hi"})

	assert.Equal(t, 0, f.adapter.sentCount())
}

func TestHealthEndpoints(t *testing.T) {
	cfg := testConfig()
	gw, err := New(cfg, Collaborators{
		Store:    store.NewMemoryStore(),
		Executor: &fakeExecutor{},
		Pairer:   &fakePairer{},
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.dedupe.Close()
		gw.locks.Close()
	})

	rec := httptest.NewRecorder()
	gw.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rec.Code)

	// Not ready until an adapter is registered.
	rec = httptest.NewRecorder()
	gw.handleReady(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, 503, rec.Code)

	gw.RegisterAdapter("sms", &fakeAdapter{})
	rec = httptest.NewRecorder()
	gw.handleReady(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	gw, err := New(cfg, Collaborators{
		Store:    store.NewMemoryStore(),
		Executor: &fakeExecutor{},
		Pairer:   &fakePairer{},
	}, discardLogger())
	require.NoError(t, err)
	gw.RegisterAdapter("sms", &fakeAdapter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	// Submissions processed end to end through the worker pools.
	require.NoError(t, gw.Submit(ctx, &message.Inbound{ChannelID: "sms", SenderID: "alice", Text: "hello"}))
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestPolicyFor_DefaultsToOpen(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, deps *Collaborators) {
		cfg.Channels.Policies = map[string]string{"email": config.PolicyClosed}
	})

	assert.Equal(t, config.PolicyClosed, f.gw.policyFor("email"))
	assert.Equal(t, config.PolicyOpen, f.gw.policyFor("sms"))
}
