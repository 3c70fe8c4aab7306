package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the keeper. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CacheUpdates  *prometheus.CounterVec
	CachePoisoned *prometheus.GaugeVec
	CacheSlot     *prometheus.GaugeVec

	ExecutorAttempts *prometheus.CounterVec
	ExecutorShrinks  *prometheus.CounterVec
	ExecutorDuration *prometheus.HistogramVec
	ComputeUnits     *prometheus.HistogramVec

	OutstandingShares *prometheus.GaugeVec
	FulfillableShares *prometheus.GaugeVec
	Nav               *prometheus.GaugeVec
	FeePayerLamports  *prometheus.GaugeVec
	EngineWakeups     *prometheus.CounterVec
	EngineFailures    *prometheus.CounterVec

	FetchedAccounts prometheus.Counter
	FetchErrors     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CacheUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_keeper_cache_updates_total",
			Help: "Account updates seen by reconciling caches, by outcome",
		}, []string{"cache", "outcome"}),

		CachePoisoned: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_keeper_cache_poisoned",
			Help: "1 when a cache refused an update and stopped serving reads",
		}, []string{"cache"}),

		CacheSlot: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_keeper_cache_slot",
			Help: "Slot of the currently published snapshot",
		}, []string{"cache"}),

		ExecutorAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_keeper_executor_attempts_total",
			Help: "Terminal transaction submissions, by outcome",
		}, []string{"vault", "outcome"}),

		ExecutorShrinks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_keeper_executor_batch_shrinks_total",
			Help: "Batch halvings after size limit failures",
		}, []string{"vault"}),

		ExecutorDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_keeper_executor_submit_seconds",
			Help:    "Wall time of one executor invocation",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"vault"}),

		ComputeUnits: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_keeper_compute_units",
			Help:    "Compute units consumed per transaction",
			Buckets: prometheus.ExponentialBuckets(10_000, 2, 8),
		}, []string{"vault"}),

		OutstandingShares: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_keeper_outstanding_shares",
			Help: "Shares in pending redemption requests",
		}, []string{"vault"}),

		FulfillableShares: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_keeper_fulfillable_shares",
			Help: "Shares past their notice period",
		}, []string{"vault"}),

		Nav: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_keeper_nav",
			Help: "Base asset holdings per share",
		}, []string{"vault"}),

		FeePayerLamports: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_keeper_fee_payer_lamports",
			Help: "Fee payer balance",
		}, []string{"vault"}),

		EngineWakeups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_keeper_engine_wakeups_total",
			Help: "Early wakeups of the fulfillment loop, by reason",
		}, []string{"vault", "reason"}),

		EngineFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_keeper_engine_failures_total",
			Help: "Failed fulfillment executions",
		}, []string{"vault"}),

		FetchedAccounts: factory.NewCounter(prometheus.CounterOpts{
			Name: "vault_keeper_fetched_accounts_total",
			Help: "Accounts read by the background fetcher",
		}),

		FetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "vault_keeper_fetch_errors_total",
			Help: "Failed background fetch batches",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheUpdate(cache, outcome string) {
	if m == nil {
		return
	}
	m.CacheUpdates.WithLabelValues(cache, outcome).Inc()
}

func (m *Metrics) CachePublished(cache string, slot uint64) {
	if m == nil {
		return
	}
	m.CacheSlot.WithLabelValues(cache).Set(float64(slot))
	m.CachePoisoned.WithLabelValues(cache).Set(0)
}

func (m *Metrics) CachePoison(cache string) {
	if m == nil {
		return
	}
	m.CachePoisoned.WithLabelValues(cache).Set(1)
}

func (m *Metrics) Attempt(vault, outcome string, computeUnits uint64) {
	if m == nil {
		return
	}
	m.ExecutorAttempts.WithLabelValues(vault, outcome).Inc()
	if computeUnits > 0 {
		m.ComputeUnits.WithLabelValues(vault).Observe(float64(computeUnits))
	}
}

func (m *Metrics) Shrink(vault string) {
	if m == nil {
		return
	}
	m.ExecutorShrinks.WithLabelValues(vault).Inc()
}

func (m *Metrics) SubmitDuration(vault string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutorDuration.WithLabelValues(vault).Observe(d.Seconds())
}

func (m *Metrics) Redemptions(vault string, outstanding, fulfillable float64) {
	if m == nil {
		return
	}
	m.OutstandingShares.WithLabelValues(vault).Set(outstanding)
	m.FulfillableShares.WithLabelValues(vault).Set(fulfillable)
}

func (m *Metrics) SetNav(vault string, nav float64) {
	if m == nil {
		return
	}
	m.Nav.WithLabelValues(vault).Set(nav)
}

func (m *Metrics) FeePayer(vault string, lamports uint64) {
	if m == nil {
		return
	}
	m.FeePayerLamports.WithLabelValues(vault).Set(float64(lamports))
}

func (m *Metrics) Wakeup(vault, reason string) {
	if m == nil {
		return
	}
	m.EngineWakeups.WithLabelValues(vault, reason).Inc()
}

func (m *Metrics) Failure(vault string) {
	if m == nil {
		return
	}
	m.EngineFailures.WithLabelValues(vault).Inc()
}

func (m *Metrics) Fetched(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FetchErrors.Inc()
		return
	}
	m.FetchedAccounts.Add(float64(n))
}
