// Package metrics exports the daemon's prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "processor",
		Name:      "events_handled_total",
		Help:      "Handled queue events by type and result.",
	}, []string{"type", "result"})

	InvalidInvoices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "processor",
		Name:      "invalid_invoices_total",
		Help:      "Invoices rejected permanently, by reason.",
	}, []string{"reason"})

	PendingPurchaseHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "processor",
		Name:      "pending_purchase_hits_total",
		Help:      "Invoice events suppressed by an outstanding purchase record.",
	})

	PurchasesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "processor",
		Name:      "purchases_submitted_total",
		Help:      "Intents submitted, by origin chain.",
	}, []string{"origin"})

	SettlementClearance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mark",
		Subsystem: "processor",
		Name:      "settlement_clearance_seconds",
		Help:      "Time between purchase submission and settlement event.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mark",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Queue depth by keyspace.",
	}, []string{"queue"})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Events moved to the dead-letter queue, by type.",
	}, []string{"type"})

	RebalanceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "rebalance",
		Name:      "ticks_total",
		Help:      "Engine ticks by outcome (run, skipped).",
	}, []string{"outcome"})

	RebalanceOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mark",
		Subsystem: "rebalance",
		Name:      "operations_total",
		Help:      "Rebalance operations by bridge and transition.",
	}, []string{"bridge", "transition"})

	ChainBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mark",
		Subsystem: "chains",
		Name:      "balance_canonical",
		Help:      "Mark's balance per ticker and chain, 18-decimal units (float approximation, for dashboards only).",
	}, []string{"ticker", "chain"})
)
