package onchain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onchain_matches_total",
		Help: "Trades executed by the on-chain matching cycle.",
	})
	matchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onchain_match_failures_total",
		Help: "Trade executions that failed or timed out.",
	})
	cycleSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onchain_cycles_skipped_total",
		Help: "Timer ticks skipped because the previous cycle was still running.",
	})
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "onchain_cycle_duration_seconds",
		Help:    "Wall time of one on-chain matching cycle.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
