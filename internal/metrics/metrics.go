// Package metrics implements the Prometheus collector (A3): pool
// occupancy, allocate/release outcomes, renewal outcomes, and
// maintenance-pass duration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric Nydus exposes, wrapping a
// private registry so it is safe to construct more than once (e.g. in
// tests), mirroring the teacher's metrics.Collector.
type Collector struct {
	Registry *prometheus.Registry

	poolRecords             *prometheus.GaugeVec
	allocateTotal           *prometheus.CounterVec
	releaseTotal            *prometheus.CounterVec
	tokenRenewalsTotal      *prometheus.CounterVec
	maintenancePassDuration prometheus.Histogram
	sessionProbeErrors      prometheus.Counter
}

// New creates and registers every metric on an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nydus_pool_records",
				Help: "Number of pool records by allocation state",
			},
			[]string{"state"}, // free|allocated
		),
		allocateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nydus_allocate_total",
				Help: "Total REQUEST outcomes",
			},
			[]string{"result"}, // allocated|no_free_record|rejected
		),
		releaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nydus_release_total",
				Help: "Total RELEASE outcomes",
			},
			[]string{"result"}, // released|noop
		),
		tokenRenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nydus_token_renewals_total",
				Help: "Per-stage token renewal attempts during maintenance",
			},
			[]string{"stage", "result"}, // stage in {idp,platform,platform_authz,game}; result in {ok,failed}
		),
		maintenancePassDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nydus_maintenance_pass_duration_seconds",
				Help:    "Duration of a full maintenance pass",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		sessionProbeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nydus_session_probe_errors_total",
				Help: "Failures enumerating live sessions during maintenance",
			},
		),
	}

	reg.MustRegister(
		c.poolRecords,
		c.allocateTotal,
		c.releaseTotal,
		c.tokenRenewalsTotal,
		c.maintenancePassDuration,
		c.sessionProbeErrors,
	)

	return c
}

// SetPoolRecords updates the free/allocated occupancy gauges.
func (c *Collector) SetPoolRecords(free, allocated int) {
	c.poolRecords.WithLabelValues("free").Set(float64(free))
	c.poolRecords.WithLabelValues("allocated").Set(float64(allocated))
}

// AllocateResult records one REQUEST outcome.
func (c *Collector) AllocateResult(result string) {
	c.allocateTotal.WithLabelValues(result).Inc()
}

// ReleaseResult records one RELEASE outcome.
func (c *Collector) ReleaseResult(result string) {
	c.releaseTotal.WithLabelValues(result).Inc()
}

// TokenRenewal records one per-stage renewal attempt during maintenance.
func (c *Collector) TokenRenewal(stage string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.tokenRenewalsTotal.WithLabelValues(stage, result).Inc()
}

// MaintenancePassCompleted observes the duration of one maintenance
// pass.
func (c *Collector) MaintenancePassCompleted(d time.Duration) {
	c.maintenancePassDuration.Observe(d.Seconds())
}

// SessionProbeError increments the session-probe error counter.
func (c *Collector) SessionProbeError() {
	c.sessionProbeErrors.Inc()
}
