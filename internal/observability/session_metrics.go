package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCollector exposes metrics for the owner loop that drives the origin
// manager.
type SessionCollector struct {
	gatherer prometheus.Gatherer

	EventsTotal         *prometheus.CounterVec
	EventDuration       prometheus.Histogram
	InboxDepth          prometheus.Gauge
	MeasurementRequests prometheus.Counter
}

// NewSessionCollector registers session metrics against reg.
func NewSessionCollector(reg prometheus.Registerer) (*SessionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_events_total",
		Help: "Events processed by the session owner loop, labeled by kind.",
	}, []string{"kind"}), "session_events_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_event_duration_seconds",
		Help:    "Time spent handling one event on the owner loop.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}), "session_event_duration_seconds")
	if err != nil {
		return nil, err
	}

	depth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_inbox_depth",
		Help: "Events waiting to be handled by the owner loop.",
	}), "session_inbox_depth")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_measurement_requests_total",
		Help: "New measurements requested by the refresh policy or after session errors.",
	}), "session_measurement_requests_total")
	if err != nil {
		return nil, err
	}

	return &SessionCollector{
		gatherer:            gatherer,
		EventsTotal:         events,
		EventDuration:       duration,
		InboxDepth:          depth,
		MeasurementRequests: requests,
	}, nil
}

// Gatherer returns the gatherer backing this collector.
func (c *SessionCollector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// ObserveEvent records one handled event of the given kind.
func (c *SessionCollector) ObserveEvent(kind string, d time.Duration) {
	if c == nil {
		return
	}
	if c.EventsTotal != nil {
		c.EventsTotal.WithLabelValues(kind).Inc()
	}
	if c.EventDuration != nil {
		c.EventDuration.Observe(d.Seconds())
	}
}

// SetInboxDepth records how many events are queued.
func (c *SessionCollector) SetInboxDepth(n int) {
	if c == nil || c.InboxDepth == nil {
		return
	}
	c.InboxDepth.Set(float64(n))
}

// IncMeasurementRequests counts a request for a new measurement.
func (c *SessionCollector) IncMeasurementRequests() {
	if c == nil || c.MeasurementRequests == nil {
		return
	}
	c.MeasurementRequests.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
