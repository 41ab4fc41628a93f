package meshbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics is an Observer that mirrors bus lifecycle events onto
// Prometheus instruments (grounded on meltica-gateway's ConsumerMetrics
// registration pattern).
type PrometheusMetrics struct {
	produced  *prometheus.CounterVec
	consumed  *prometheus.CounterVec
	acked     *prometheus.CounterVec
	nacked    *prometheus.CounterVec
	errors    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	dropped   prometheus.Counter
}

// NewPrometheusMetrics constructs and registers instruments against reg,
// falling back to the default registerer when nil.
func NewPrometheusMetrics(reg prometheus.Registerer, busName string) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		produced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "meshbus",
				Name:        "produced_total",
				Help:        "Total number of messages produced.",
				ConstLabels: prometheus.Labels{"bus": busName},
			},
			[]string{"path"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "meshbus",
				Name:        "consumed_total",
				Help:        "Total number of messages consumed.",
				ConstLabels: prometheus.Labels{"bus": busName},
			},
			[]string{"path"},
		),
		acked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "meshbus",
				Name:        "acked_total",
				Help:        "Total number of acknowledged deliveries.",
				ConstLabels: prometheus.Labels{"bus": busName},
			},
			[]string{"path"},
		),
		nacked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "meshbus",
				Name:        "nacked_total",
				Help:        "Total number of negatively acknowledged deliveries.",
				ConstLabels: prometheus.Labels{"bus": busName},
			},
			[]string{"path"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "meshbus",
				Name:        "errors_total",
				Help:        "Total number of surfaced errors, by kind.",
				ConstLabels: prometheus.Labels{"bus": busName},
			},
			[]string{"path", "kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   "meshbus",
				Name:        "processing_seconds",
				Help:        "Histogram of produce/consume processing durations.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: prometheus.Labels{"bus": busName},
			},
			[]string{"path", "type"},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "meshbus",
				Name:        "observer_events_dropped_total",
				Help:        "Total number of Events dropped by a full observer pool buffer.",
				ConstLabels: prometheus.Labels{"bus": busName},
			},
		),
	}
	reg.MustRegister(m.produced, m.consumed, m.acked, m.nacked, m.errors, m.duration, m.dropped)
	return m
}

// OnEvent implements Observer.
func (m *PrometheusMetrics) OnEvent(e Event) {
	switch e.Type {
	case EventProduceDone:
		m.produced.WithLabelValues(e.Path).Inc()
		if e.Duration > 0 {
			m.duration.WithLabelValues(e.Path, "produce").Observe(e.Duration.Seconds())
		}
	case EventConsumeDone:
		m.consumed.WithLabelValues(e.Path).Inc()
		if e.Duration > 0 {
			m.duration.WithLabelValues(e.Path, "consume").Observe(e.Duration.Seconds())
		}
	case EventAck:
		m.acked.WithLabelValues(e.Path).Inc()
	case EventNack:
		m.nacked.WithLabelValues(e.Path).Inc()
	case EventError:
		kind := "unknown"
		if be, ok := e.Err.(*Error); ok {
			kind = string(be.Kind)
		}
		m.errors.WithLabelValues(e.Path, kind).Inc()
	}
}

// ObserveDropped records an observer-pool drop; call periodically from
// (*ObserverPool).Stats().
func (m *PrometheusMetrics) ObserveDropped(count uint64) {
	if count == 0 {
		return
	}
	m.dropped.Add(float64(count))
}

// pollDroppedEvents mirrors pool.Stats().Dropped into the dropped counter on
// an interval, since Prometheus counters can only be incremented.
func pollDroppedEvents(pool *ObserverPool, m *PrometheusMetrics, interval time.Duration, stop <-chan struct{}) {
	var last uint64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cur := pool.Stats().Dropped
			if cur > last {
				m.ObserveDropped(cur - last)
				last = cur
			}
		}
	}
}
