// Package transport maintains the persistent bidirectional connection of
// a user session and its publish/subscribe surface.
//
// # Overview
//
// One [Channel] exists per signed-in session. [Channel.Connect] joins the
// per-user logical channel and returns immediately; dialing, keepalive,
// and reconnection run in the background. Dependents observe
// [StatusConnected], [StatusConnecting], and, once the capped retry
// budget is exhausted, [StatusOffline] through the status callback, and
// degrade to REST-only operation while the channel is down.
//
// # Reconnection
//
// Failed dials retry with capped exponential backoff (1s base, 5s cap, 5
// attempts by default). A connection lost mid-session re-enters the same
// loop. While disconnected, publishes return [ErrNotConnected] and no
// pushes arrive; the stores catch up over REST.
//
// # Delivery semantics
//
// The channel is an accelerator. Publishes are best-effort and may be
// dropped; every message also travels through the request/response API,
// and the transcript store de-duplicates the overlap.
package transport
