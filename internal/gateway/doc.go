// Package gateway orchestrates the courier-gateway message-processing core.
//
// # Overview
//
// The gateway owns the shared inbound and outbound queues, the session
// registry and lock table, the middleware chain, and the worker pools that
// glue them to the external collaborators: the agent executor, channel
// adapters, the pairing service, and an optional command processor and
// event streamer.
//
// # Message Flow
//
// A channel adapter calls Submit to enqueue an inbound message. An inbound
// worker then, in order:
//
//  1. Drops duplicates by message id (dedupe cache).
//  2. Applies the channel's access policy: closed channels drop silently,
//     pairing channels issue a pairing code to unapproved senders.
//  3. Resolves the canonical session and acquires its exclusive lock - the
//     serialization point guaranteeing one in-flight turn per session.
//  4. Offers the raw text to the command processor, which may claim it.
//  5. Runs the middleware chain (rate limit, token budget). A short-circuit
//     response goes back without touching the agent.
//  6. Dispatches the agent turn - streamed through the event streamer for
//     envelope transports, blocking otherwise - and persists the session.
//
// Outbound workers drain the outbound queue and deliver through the matching
// channel adapter with one fixed-delay retry.
//
// # Ordering
//
// No ordering is guaranteed across workers for messages of the same session
// beyond mutual exclusion: whichever worker wins the session lock processes
// first. Transports requiring strict per-sender ordering must serialize
// delivery upstream.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, deps, logger)
//	gw.RegisterAdapter("sms", smsAdapter)
//	err = gw.Run(ctx)
//
// Run blocks until ctx is canceled, then shuts down gracefully. The durable
// store passed in Collaborators is borrowed; the caller closes it.
//
// # HTTP Endpoints
//
//   - GET /health - liveness check
//   - GET /health/ready - readiness; 503 until an adapter is registered
package gateway
