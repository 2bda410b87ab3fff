// Package metrics holds the Prometheus collectors shared by the pairing
// server and the session client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Name:      "enqueued_total",
		Help:      "Waiting entries inserted, by store.",
	}, []string{"store"})

	Paired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Name:      "pairs_total",
		Help:      "Pairs formed by the queue pairing algorithm, by store.",
	}, []string{"store"})

	PairingConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Name:      "pairing_conflicts_total",
		Help:      "Conditional pairing writes that lost a race and were retried.",
	}, []string{"store"})

	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Name:      "outcomes_total",
		Help:      "Match outcomes resolved by the coordinator, by mode.",
	}, []string{"mode"})

	LateMatchesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchmaking",
		Name:      "late_matches_discarded_total",
		Help:      "Match notifications that arrived after the outcome was resolved.",
	})

	PeerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peer",
		Name:      "state_transitions_total",
		Help:      "Peer connection state transitions, by target state.",
	}, []string{"state"})

	RelayedEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Name:      "envelopes_total",
		Help:      "Signal envelopes relayed by the server, by kind.",
	}, []string{"kind"})
)
