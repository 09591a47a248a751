package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the proxy's Prometheus collectors
type Metrics struct {
	batchDuration *prometheus.HistogramVec
	batchAttempts prometheus.Histogram
	grants        *prometheus.CounterVec
	grantDuration *prometheus.HistogramVec
	queryResults  *prometheus.CounterVec
	proxyOutcomes *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "muapi",
			Name:      "batch_duration_seconds",
			Help:      "Time spent on backend batch calls, retries included",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"code"}),
		batchAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "muapi",
			Name:      "batch_attempts",
			Help:      "Attempts needed per backend batch call",
			Buckets:   []float64{1, 2, 3, 4},
		}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "muapi",
			Name:      "auth_grants_total",
			Help:      "Token grants by type and result",
		}, []string{"op", "result"}),
		grantDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "muapi",
			Name:      "auth_grant_duration_seconds",
			Help:      "Time spent on token grants",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		queryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "muapi",
			Name:      "query_results_total",
			Help:      "Per-query outcomes inside successful batches",
		}, []string{"result"}),
		proxyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "muapi",
			Name:      "proxy_responses_total",
			Help:      "Proxy responses by outcome (ok or error code)",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.batchDuration, m.batchAttempts, m.grants, m.grantDuration, m.queryResults, m.proxyOutcomes)
	return m
}

func (m *Metrics) ObserveBatch(status int, attempts int, d time.Duration) {
	m.batchDuration.WithLabelValues(strconv.Itoa(status)).Observe(d.Seconds())
	m.batchAttempts.Observe(float64(attempts))
}

func (m *Metrics) ObserveGrant(op string, ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.grants.WithLabelValues(op, result).Inc()
	m.grantDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveQueries counts ok, error and missing per-query results
func (m *Metrics) ObserveQueries(ok, failed, missing int) {
	m.queryResults.WithLabelValues("ok").Add(float64(ok))
	m.queryResults.WithLabelValues("error").Add(float64(failed))
	m.queryResults.WithLabelValues("missing").Add(float64(missing))
}

// ObserveOutcome counts a proxy response; code is "" for success
func (m *Metrics) ObserveOutcome(code string) {
	if code == "" {
		code = "ok"
	}
	m.proxyOutcomes.WithLabelValues(code).Inc()
}
