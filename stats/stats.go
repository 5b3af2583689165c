// Package stats exposes prometheus collectors for the call engine.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsActive tracks live call actors.
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sipcall",
		Name:      "calls_active",
		Help:      "Number of live call actors.",
	})
	// CallsTotal counts call actors ever created.
	CallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sipcall",
		Name:      "calls_total",
		Help:      "Total number of call actors created.",
	})
	// Transactions tracks live transactions by class.
	Transactions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sipcall",
		Name:      "transactions_active",
		Help:      "Number of live transactions.",
	}, []string{"class"})
	// TransactionsTotal counts transactions ever created by class and method.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcall",
		Name:      "transactions_total",
		Help:      "Total number of transactions created.",
	}, []string{"class", "method"})
	// ForkBranches counts fork branches launched.
	ForkBranches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sipcall",
		Name:      "fork_branches_total",
		Help:      "Total number of fork branches launched.",
	})
	// Bindings tracks live registrar bindings.
	Bindings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sipcall",
		Name:      "registrar_bindings",
		Help:      "Number of live registrar bindings.",
	})
	// AuthFailures counts digest verification failures.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sipcall",
		Name:      "auth_failures_total",
		Help:      "Total number of digest verification failures.",
	})
	// FlowFailures counts flow-token resolution failures.
	FlowFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sipcall",
		Name:      "flow_failures_total",
		Help:      "Total number of dead-flow detections.",
	})
)
