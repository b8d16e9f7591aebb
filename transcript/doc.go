// Package transcript maintains the per-conversation ordered message log
// and reconciles the three independent sources a chat client observes:
// optimistic local entries, REST-fetched history, and live push events.
//
// # Overview
//
// The package is built around two components:
//
//   - [Store]: Central owner of every conversation's message log.
//     Thread-safe for concurrent use. All ingestion paths funnel through
//     a single de-duplication predicate so that at-least-once delivery
//     from overlapping REST and push channels converges to exactly one
//     entry per logical message.
//   - [Message]: One transcript entry, carrying a temporary client id
//     until the server record arrives and a monotonic delivery status
//     (pending, sent, delivered, or terminal failed).
//
// # De-duplication
//
// Two records describe the same logical message when they share an
// authoritative server id, or, before any server id exists, when they
// agree on sender, recipient, and normalized content with timestamps
// within a configurable tolerance window ([DefaultDedupWindow]).
//
// # Ownership
//
// Whether an entry is the current user's own message is never stored; it
// is derived on every [Store.Snapshot] from the sender id and the
// identity resolver. This removes the race between message ingestion and
// asynchronous identity resolution: entries loaded before the identity is
// known render correctly as soon as it resolves, with no fix-up pass over
// stored state.
//
// # Stale results
//
// Switching conversations invalidates the token captured by
// [Store.Activate]; a history result carrying an old token is dropped by
// [Store.MergeHistory] rather than applied to the wrong view.
package transcript
