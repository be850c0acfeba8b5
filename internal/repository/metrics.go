package repository

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	atomicAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "debtord_atomic_attempts_total",
		Help: "Atomic unit executions, including conflict re-executions",
	})

	atomicConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "debtord_atomic_conflicts_total",
		Help: "Serialization conflicts that caused an atomic unit to retry",
	})

	atomicCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "debtord_atomic_commits_total",
		Help: "Successfully committed atomic units",
	})

	transfersPrepared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debtord_transfers_prepared_total",
		Help: "Prepared transfers by type",
	}, []string{"type"})

	transfersResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debtord_transfers_resolved_total",
		Help: "Resolved prepared transfers by outcome",
	}, []string{"outcome"})
)
