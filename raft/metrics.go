package raft

import (
	"github.com/prometheus/client_golang/prometheus"
)

var electionsDecided = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tinytablet",
		Subsystem: "raft",
		Name:      "elections_decided_total",
		Help:      "Counter of decided election rounds by outcome.",
	}, []string{"outcome", "pre_election"})

func init() {
	prometheus.MustRegister(electionsDecided)
}

func observeElectionDecided(result *ElectionResult) {
	outcome := "lost"
	if result.Decision == VoteGranted {
		outcome = "won"
	}
	pre := "false"
	if result.VoteRequest.IsPreElection {
		pre = "true"
	}
	electionsDecided.WithLabelValues(outcome, pre).Inc()
}
