/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

const metricsLabelDecision = "decision"

// StoreMetricsCollector represents a collector of metrics for the counting store.
type StoreMetricsCollector interface {
	// SetEntriesAmount sets the total number of tracked identifiers.
	SetEntriesAmount(int)

	// IncEvictions increments the total number of entries evicted due to capacity.
	IncEvictions()

	// AddExpiredRemoved increments the total number of expired entries removed by the sweep.
	AddExpiredRemoved(int)
}

// LimiterMetricsCollector represents a collector of metrics for limiting decisions.
type LimiterMetricsCollector interface {
	// IncDecisions increments the total number of decisions with the passed outcome.
	IncDecisions(outcome Outcome)

	// IncResolveErrors increments the total number of identifier resolution failures.
	IncResolveErrors()

	// IncNotifyFailures increments the total number of failed decision callbacks.
	IncNotifyFailures()
}

// MetricsCollector is a collector of both store and limiting decision metrics.
type MetricsCollector interface {
	StoreMetricsCollector
	LimiterMetricsCollector
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for rate limiting.
type PrometheusMetrics struct {
	EntriesAmount       prometheus.Gauge
	EvictionsTotal      prometheus.Counter
	ExpiredRemovedTotal prometheus.Counter
	DecisionsTotal      *prometheus.CounterVec
	ResolveErrorsTotal  prometheus.Counter
	NotifyFailuresTotal prometheus.Counter
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	entriesAmount := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_entries_amount",
			Help:        "Total number of identifiers tracked by the rate limit store.",
			ConstLabels: opts.ConstLabels,
		},
	)

	evictionsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_evicted_total",
			Help:        "Number of entries evicted from the rate limit store due to capacity.",
			ConstLabels: opts.ConstLabels,
		},
	)

	expiredRemovedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_expired_removed_total",
			Help:        "Number of expired entries removed from the rate limit store.",
			ConstLabels: opts.ConstLabels,
		},
	)

	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_decisions_total",
			Help:        "Number of rate limiting decisions.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{metricsLabelDecision},
	)

	resolveErrorsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_resolve_errors_total",
			Help:        "Number of identifier resolution failures.",
			ConstLabels: opts.ConstLabels,
		},
	)

	notifyFailuresTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_notify_failures_total",
			Help:        "Number of failed rate limiting decision callbacks.",
			ConstLabels: opts.ConstLabels,
		},
	)

	return &PrometheusMetrics{
		EntriesAmount:       entriesAmount,
		EvictionsTotal:      evictionsTotal,
		ExpiredRemovedTotal: expiredRemovedTotal,
		DecisionsTotal:      decisionsTotal,
		ResolveErrorsTotal:  resolveErrorsTotal,
		NotifyFailuresTotal: notifyFailuresTotal,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.EntriesAmount,
		pm.EvictionsTotal,
		pm.ExpiredRemovedTotal,
		pm.DecisionsTotal,
		pm.ResolveErrorsTotal,
		pm.NotifyFailuresTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.EntriesAmount)
	prometheus.Unregister(pm.EvictionsTotal)
	prometheus.Unregister(pm.ExpiredRemovedTotal)
	prometheus.Unregister(pm.DecisionsTotal)
	prometheus.Unregister(pm.ResolveErrorsTotal)
	prometheus.Unregister(pm.NotifyFailuresTotal)
}

// SetEntriesAmount sets the total number of tracked identifiers.
func (pm *PrometheusMetrics) SetEntriesAmount(amount int) {
	pm.EntriesAmount.Set(float64(amount))
}

// IncEvictions increments the total number of entries evicted due to capacity.
func (pm *PrometheusMetrics) IncEvictions() {
	pm.EvictionsTotal.Inc()
}

// AddExpiredRemoved increments the total number of expired entries removed by the sweep.
func (pm *PrometheusMetrics) AddExpiredRemoved(n int) {
	pm.ExpiredRemovedTotal.Add(float64(n))
}

// IncDecisions increments the total number of decisions with the passed outcome.
func (pm *PrometheusMetrics) IncDecisions(outcome Outcome) {
	pm.DecisionsTotal.With(prometheus.Labels{metricsLabelDecision: outcome.String()}).Inc()
}

// IncResolveErrors increments the total number of identifier resolution failures.
func (pm *PrometheusMetrics) IncResolveErrors() {
	pm.ResolveErrorsTotal.Inc()
}

// IncNotifyFailures increments the total number of failed rate limiting decision callbacks.
func (pm *PrometheusMetrics) IncNotifyFailures() {
	pm.NotifyFailuresTotal.Inc()
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

type disabledMetrics struct{}

func (disabledMetrics) SetEntriesAmount(int)  {}
func (disabledMetrics) IncEvictions()         {}
func (disabledMetrics) AddExpiredRemoved(int) {}
func (disabledMetrics) IncDecisions(Outcome)  {}
func (disabledMetrics) IncResolveErrors()     {}
func (disabledMetrics) IncNotifyFailures()    {}

var disabledMetricsCollector = disabledMetrics{}
