package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	databaseLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_database_loads_total",
			Help: "Total number of database load attempts by result.",
		},
		[]string{"result"},
	)
	databaseLoadTablesTotal = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_database_load_tables",
			Help:    "Number of tables enumerated per successful load.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)
	tableIntrospectionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_table_introspection_failures_total",
			Help: "Total number of per-table count failures absorbed during loads.",
		},
	)
	promptDegradedTablesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlchat_prompt_degraded_tables_total",
			Help: "Total number of tables rendered with a schema placeholder.",
		},
	)
	agentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_agent_requests_total",
			Help: "Total number of agent requests by provider and result.",
		},
		[]string{"provider", "result"},
	)
	agentLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlchat_agent_latency_ms",
			Help:    "Agent round-trip latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000, 60000},
		},
	)
	acquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlchat_acquire_total",
			Help: "Total number of database acquisitions by source and result.",
		},
		[]string{"source", "result"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlchat_active_sessions",
			Help: "Current number of open chat sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		databaseLoadsTotal,
		databaseLoadTablesTotal,
		tableIntrospectionFailuresTotal,
		promptDegradedTablesTotal,
		agentRequestsTotal,
		agentLatencyMs,
		acquireTotal,
		activeSessions,
	)
}

func ObserveDatabaseLoad(tables, failedCounts int) {
	databaseLoadsTotal.WithLabelValues("ok").Inc()
	databaseLoadTablesTotal.Observe(float64(tables))
	if failedCounts > 0 {
		tableIntrospectionFailuresTotal.Add(float64(failedCounts))
	}
}

func IncrementDatabaseLoadFailure() {
	databaseLoadsTotal.WithLabelValues("failed").Inc()
}

func AddPromptDegradedTables(n int) {
	if n > 0 {
		promptDegradedTablesTotal.Add(float64(n))
	}
}

func ObserveAgentRequest(provider string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if provider == "" {
		provider = "unknown"
	}
	agentRequestsTotal.WithLabelValues(provider, result).Inc()
	agentLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveAcquire(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	acquireTotal.WithLabelValues(source, result).Inc()
}

func SetActiveSessions(n int) {
	if n < 0 {
		n = 0
	}
	activeSessions.Set(float64(n))
}
