package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a Prometheus registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// StreamMetrics are the broker's counters and gauges. All methods are safe on
// a nil receiver so components can run without metrics.
type StreamMetrics struct {
	Published          *prometheus.CounterVec // labels: channel
	Delivered          *prometheus.CounterVec // labels: channel
	Dropped            *prometheus.CounterVec // labels: channel, reason=mailbox|format
	SubscriberFailures *prometheus.CounterVec // labels: channel
	DriverStarts       *prometheus.CounterVec // labels: channel, result=ok|error|timeout
	Subscribers        *prometheus.GaugeVec   // labels: channel
	RunningDrivers     *prometheus.GaugeVec   // labels: channel
}

func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_events_published_total",
			Help: "Readings emitted by drivers and fanned out.",
		}, []string{"channel"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_events_delivered_total",
			Help: "Values delivered to subscriber callbacks.",
		}, []string{"channel"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_events_dropped_total",
			Help: "Readings dropped before reaching a subscriber.",
		}, []string{"channel", "reason"}),
		SubscriberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_subscriber_failures_total",
			Help: "Subscriber callbacks that returned an error or panicked.",
		}, []string{"channel"}),
		DriverStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_driver_starts_total",
			Help: "Driver start attempts by result.",
		}, []string{"channel", "result"}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_subscribers",
			Help: "Current number of subscribers per channel.",
		}, []string{"channel"}),
		RunningDrivers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_driver_running",
			Help: "1 while the channel's driver is running.",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.Published, m.Delivered, m.Dropped, m.SubscriberFailures, m.DriverStarts, m.Subscribers, m.RunningDrivers)
	return m
}

func (m *StreamMetrics) EventPublished(channel string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(channel).Inc()
}

func (m *StreamMetrics) EventDelivered(channel string) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(channel).Inc()
}

func (m *StreamMetrics) EventDropped(channel, reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(channel, reason).Inc()
}

func (m *StreamMetrics) SubscriberFailed(channel string) {
	if m == nil {
		return
	}
	m.SubscriberFailures.WithLabelValues(channel).Inc()
}

func (m *StreamMetrics) DriverStarted(channel, result string) {
	if m == nil {
		return
	}
	m.DriverStarts.WithLabelValues(channel, result).Inc()
}

func (m *StreamMetrics) SetSubscribers(channel string, n int) {
	if m == nil {
		return
	}
	m.Subscribers.WithLabelValues(channel).Set(float64(n))
}

func (m *StreamMetrics) SetRunning(channel string, running bool) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	m.RunningDrivers.WithLabelValues(channel).Set(v)
}
