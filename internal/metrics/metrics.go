package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tls-chameleon/internal/controller"
	"github.com/tls-chameleon/internal/types"
)

type Collector struct {
	// Evasion metrics
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	backoffDelay    prometheus.Histogram
	requestsTotal   *prometheus.CounterVec
	rotationsTotal  prometheus.Counter
	openSessions    prometheus.Gauge

	// Proxy pool
	proxiesByHealth *prometheus.GaugeVec
	checksTotal     *prometheus.CounterVec
	checkDuration   prometheus.Histogram

	// Aggregation metrics
	proxiesScraped *prometheus.CounterVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers every metric on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of transport attempts by verdict",
			},
			[]string{"verdict", "profile"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Transport attempt duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"verdict"},
		),
		backoffDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backoff_delay_seconds",
				Help:      "Backoff delay chosen before a retry",
				Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 16, 30},
			},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of logical requests by outcome",
			},
			[]string{"outcome"},
		),
		rotationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotations_total",
				Help:      "Total number of profile or proxy rotations",
			},
		),
		openSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_sessions",
				Help:      "Current number of open sessions",
			},
		),
		proxiesByHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxies",
				Help:      "Current number of pool proxies by health state",
			},
			[]string{"health"},
		),
		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_checks_total",
				Help:      "Total number of proxy pre-flight checks",
			},
			[]string{"result"},
		),
		checkDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_check_duration_seconds",
				Help:      "Proxy check duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		proxiesScraped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_scraped_total",
				Help:      "Total number of proxies scraped from sources",
			},
			[]string{"source"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

// ObserveAttempt makes the collector a controller observer
func (c *Collector) ObserveAttempt(rec types.AttemptRecord) {
	verdict := rec.Verdict.String()
	c.attemptsTotal.WithLabelValues(verdict, rec.Profile).Inc()
	c.attemptDuration.WithLabelValues(verdict).Observe(rec.Elapsed.Seconds())
	if rec.Delay > 0 {
		c.backoffDelay.Observe(rec.Delay.Seconds())
	}
}

func (c *Collector) ObserveOutcome(res *controller.Result) {
	c.requestsTotal.WithLabelValues(res.Outcome.String()).Inc()
	c.rotationsTotal.Add(float64(res.Rotations))
}

func (c *Collector) SetOpenSessions(count int) {
	c.openSessions.Set(float64(count))
}

func (c *Collector) SetProxyHealth(counts map[types.HealthState]int) {
	for state, n := range counts {
		c.proxiesByHealth.WithLabelValues(state.String()).Set(float64(n))
	}
}

func (c *Collector) RecordCheckSuccess() {
	c.checksTotal.WithLabelValues("success").Inc()
}

func (c *Collector) RecordCheckFailure() {
	c.checksTotal.WithLabelValues("failure").Inc()
}

func (c *Collector) RecordCheckDuration(seconds float64) {
	c.checkDuration.Observe(seconds)
}

func (c *Collector) RecordProxiesScraped(source string, count int) {
	c.proxiesScraped.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
