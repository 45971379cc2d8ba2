package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "l3_rule_cleanup"

// Registry holds the metrics of one run. It is written to a node_exporter
// textfile at exit since the tool does not serve HTTP.
type Registry struct {
	reg *prometheus.Registry

	RulesBefore   *prometheus.GaugeVec
	RulesAfter    *prometheus.GaugeVec
	RulesRemoved  *prometheus.CounterVec
	Replaces      *prometheus.CounterVec
	CycleFailures *prometheus.CounterVec
	LastCycle     *prometheus.GaugeVec

	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
	APIRetries  *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	r := &Registry{reg: reg}

	r.RulesBefore = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rules_before",
		Help:      "User rules fetched at the start of the last cycle",
	}, []string{"network"})
	r.RulesAfter = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rules_after",
		Help:      "User rules left after reconciliation in the last cycle",
	}, []string{"network"})
	r.RulesRemoved = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rules_removed_total",
		Help:      "Duplicate rules removed, by pass",
	}, []string{"network", "pass"})
	r.Replaces = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replaces_total",
		Help:      "Rule list uploads",
	}, []string{"network"})
	r.CycleFailures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycle_failures_total",
		Help:      "Aborted reconciliation cycles",
	}, []string{"network"})
	r.LastCycle = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_cycle_timestamp_seconds",
		Help:      "Unix time of the last finished cycle",
	}, []string{"network"})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Dashboard API requests by method and status code",
	}, []string{"method", "code"})
	r.APILatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "Dashboard API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	r.APIRetries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_retries_total",
		Help:      "Dashboard API retries by method",
	}, []string{"method"})

	return r
}

func (r *Registry) ObserveRequest(method string, code int, elapsed time.Duration) {
	r.APIRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	r.APILatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (r *Registry) ObserveRetry(method string) {
	r.APIRetries.WithLabelValues(method).Inc()
}

// WriteTextfile writes all metrics in the text exposition format.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
