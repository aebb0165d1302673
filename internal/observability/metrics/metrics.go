package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AuthenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ops_authentication_attempts_total",
			Help: "Ops API authentication attempts by method and result.",
		},
		[]string{"method", "result"},
	)

	StoreTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_transactions_total",
			Help: "Keyed store transactions by label and result.",
		},
		[]string{"label", "result"},
	)

	StoreTransactionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_transaction_duration_seconds",
			Help:    "Duration of keyed store transactions.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"label"},
	)

	LIDLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lid_lookups_total",
			Help: "Identifier mapping lookups by direction and resolution source.",
		},
		[]string{"direction", "source"},
	)

	LIDMappingsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lid_mappings_stored_total",
			Help: "Mapping records processed by storeMappings, by outcome.",
		},
		[]string{"result"},
	)

	SessionMigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_migrations_total",
			Help: "Session migration calls by result.",
		},
		[]string{"result"},
	)

	SessionsMigratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_migrated_total",
			Help: "Per-device session records relocated into the lid keyspace.",
		},
	)

	CleanupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_cleanup_runs_total",
			Help: "Cleanup runs by result.",
		},
		[]string{"result"},
	)

	CleanupDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_cleanup_deleted_total",
			Help: "Session records deleted by cleanup, by retention tier.",
		},
		[]string{"tier"},
	)

	ActivityFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_activity_flushes_total",
			Help: "Activity buffer flushes by result.",
		},
		[]string{"result"},
	)

	DecryptResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelope_decrypt_total",
			Help: "Inbound envelope decryptions by outcome.",
		},
		[]string{"result"},
	)

	SessionRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_recoveries_total",
			Help: "Corrupted-session recoveries by result.",
		},
		[]string{"result"},
	)
)

// MustRegister registers every collector on the default registry with a
// constant service label.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AuthenticationAttemptsTotal,
		StoreTransactionsTotal,
		StoreTransactionDurationSeconds,
		LIDLookupsTotal,
		LIDMappingsStoredTotal,
		SessionMigrationsTotal,
		SessionsMigratedTotal,
		CleanupRunsTotal,
		CleanupDeletedTotal,
		ActivityFlushesTotal,
		DecryptResultsTotal,
		SessionRecoveriesTotal,
	)
}

func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
