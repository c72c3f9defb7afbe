package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_orders_total",
		Help: "Orders handled by the match engine, by pair and result.",
	}, []string{"pair", "result"})
	tradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_trades_total",
		Help: "Trades settled, by pair.",
	}, []string{"pair"})
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_conflicts_total",
		Help: "Settlement attempts rejected by a version check.",
	}, []string{"pair"})
	liquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liquidations_total",
		Help: "Liquidation orders submitted by the position monitor.",
	}, []string{"pair"})
	matchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "match_job_seconds",
		Help:    "Time spent in the pair actor per job.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"pair", "job"})
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "match_queue_depth",
		Help: "Jobs waiting in a pair actor queue.",
	}, []string{"pair"})
)
