// Package metrics holds the Prometheus collectors shared by the analysis,
// push and transport layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chamber_source_queries_total",
			Help: "Time-series source queries issued for measurement cycles",
		},
		[]string{"result"},
	)

	LagSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chamber_lag_searches_total",
			Help: "Lag searches run against measurement cycles",
		},
		[]string{"outcome"},
	)

	// Validity counts automatic verdict changes: the first verdict on freshly
	// loaded data and every later change of valid or reason. Recomputing the
	// same verdict after an edit is not counted.
	Validity = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chamber_cycle_validity_total",
			Help: "Automatic validity verdict changes by reason",
		},
		[]string{"reason"},
	)

	SinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chamber_sink_writes_total",
			Help: "Lag results written to the time-series sink",
		},
		[]string{"result"},
	)

	CyclesScheduled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chamber_cycles_scheduled",
			Help: "Measurement cycles in the current schedule",
		},
	)

	OperatorActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chamber_operator_actions_total",
			Help: "Operator actions received over the websocket",
		},
		[]string{"action"},
	)
)
