// Package metrics exposes the watcher's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slotwatch"

// Recorder is every hook the components report to.
type Recorder interface {
	ProxyFeedback(result string)
	ProxySelected(mode string)
	ProbeObserved(result string, d time.Duration)
	HarvestObserved(result string, d time.Duration)
	CatalogResolved(source string)
	NotifyDecided(reason string)
	NotificationSent(channel, result string)
	CheckCompleted(source, status string)
	TickCompleted(d time.Duration, units int)
}

// Metrics is the Prometheus Recorder.
type Metrics struct {
	gatherer         prometheus.Gatherer
	proxyFeedback    *prometheus.CounterVec
	proxySelected    *prometheus.CounterVec
	probes           *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	harvests         *prometheus.CounterVec
	harvestDuration  prometheus.Histogram
	catalogResolved  *prometheus.CounterVec
	notifyDecisions  *prometheus.CounterVec
	notificationSent *prometheus.CounterVec
	checks           *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	tickUnits        prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		proxyFeedback: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_feedback_total",
			Help:      "Proxy releases by result.",
		}, []string{"result"}),
		proxySelected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_selected_total",
			Help:      "Proxy selections by mode.",
		}, []string{"mode"}),
		probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Upstream probe attempts by result.",
		}, []string{"result"}),
		probeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Upstream probe attempt duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		harvests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harvests_total",
			Help:      "Heavy acquisitions by result.",
		}, []string{"result"}),
		harvestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "harvest_duration_seconds",
			Help:      "Heavy acquisition duration.",
			Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120},
		}),
		catalogResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_resolved_total",
			Help:      "Catalog resolutions by source path.",
		}, []string{"source"}),
		notifyDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_decisions_total",
			Help:      "Notifier decisions by reason.",
		}, []string{"reason"}),
		notificationSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Alert deliveries by channel and result.",
		}, []string{"channel", "result"}),
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Fingerprint checks by source path and status.",
		}, []string{"source", "status"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Dispatcher tick duration.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		tickUnits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_units",
			Help:      "Fingerprints dispatched by the last tick.",
		}),
	}
}

// RegisterGauge exposes a value sampled at scrape time, such as cooling proxies.
func (m *Metrics) RegisterGauge(reg *prometheus.Registry, name, help string, fn func() float64) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ProxyFeedback(result string) { m.proxyFeedback.WithLabelValues(result).Inc() }

func (m *Metrics) ProxySelected(mode string) { m.proxySelected.WithLabelValues(mode).Inc() }

func (m *Metrics) ProbeObserved(result string, d time.Duration) {
	m.probes.WithLabelValues(result).Inc()
	m.probeDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) HarvestObserved(result string, d time.Duration) {
	m.harvests.WithLabelValues(result).Inc()
	m.harvestDuration.Observe(d.Seconds())
}

func (m *Metrics) CatalogResolved(source string) { m.catalogResolved.WithLabelValues(source).Inc() }

func (m *Metrics) NotifyDecided(reason string) { m.notifyDecisions.WithLabelValues(reason).Inc() }

func (m *Metrics) NotificationSent(channel, result string) {
	m.notificationSent.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) CheckCompleted(source, status string) {
	if source == "" {
		source = "none"
	}
	m.checks.WithLabelValues(source, status).Inc()
}

func (m *Metrics) TickCompleted(d time.Duration, units int) {
	m.tickDuration.Observe(d.Seconds())
	m.tickUnits.Set(float64(units))
}

// Nop discards everything. Used when metrics are disabled.
type Nop struct{}

func (Nop) ProxyFeedback(string)                  {}
func (Nop) ProxySelected(string)                  {}
func (Nop) ProbeObserved(string, time.Duration)   {}
func (Nop) HarvestObserved(string, time.Duration) {}
func (Nop) CatalogResolved(string)                {}
func (Nop) NotifyDecided(string)                  {}
func (Nop) NotificationSent(string, string)       {}
func (Nop) CheckCompleted(string, string)         {}
func (Nop) TickCompleted(time.Duration, int)      {}
