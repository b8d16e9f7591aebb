// Package metrics exposes the engine's prometheus counters. Registration
// uses the default registry so an embedding application that already
// serves /metrics picks these up without extra wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DuplicatesCollapsed counts message records recognized as duplicates
	// of an existing transcript entry and merged instead of appended.
	DuplicatesCollapsed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "duplicates_collapsed_total",
		Help:      "Message records merged into an existing transcript entry.",
	})

	// StaleResultsDropped counts async results discarded because their
	// conversation token was no longer current when they arrived.
	StaleResultsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "stale_results_dropped_total",
		Help:      "Late async results discarded after a conversation switch.",
	})

	// Reconnects counts transport reconnection attempts.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "transport_reconnects_total",
		Help:      "Websocket reconnection attempts.",
	})

	// SendFailures counts message sends that ended in the failed state.
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "send_failures_total",
		Help:      "Outgoing messages whose persist request failed.",
	})
)
