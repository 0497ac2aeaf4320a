// Package observability holds the Prometheus collectors and OpenTelemetry
// setup shared by the geo-origin binaries.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// OriginCollector bundles the Prometheus metrics for origin management,
// anchors and the RPC surface.
type OriginCollector struct {
	gatherer prometheus.Gatherer

	FixesTotal        *prometheus.CounterVec
	OriginEstablished prometheus.Gauge
	OriginLevel       prometheus.Gauge
	Listeners         prometheus.Gauge
	AnchorActivations *prometheus.CounterVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewOriginCollector registers the metrics against reg, defaulting to the
// global registry when nil.
func NewOriginCollector(reg prometheus.Registerer) (*OriginCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	fixes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "origin_fixes_total",
		Help: "Position fixes handled by the origin manager, labeled by outcome.",
	}, []string{"outcome"}), "origin_fixes_total")
	if err != nil {
		return nil, err
	}
	established, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "origin_established",
		Help: "1 once the session origin has been established, 0 before.",
	}), "origin_established")
	if err != nil {
		return nil, err
	}
	level, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "origin_cell_level",
		Help: "Cell level used to resolve the origin cell.",
	}), "origin_cell_level")
	if err != nil {
		return nil, err
	}
	listeners, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "origin_listeners",
		Help: "Listeners currently registered for the origin event.",
	}), "origin_listeners")
	if err != nil {
		return nil, err
	}
	activations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_activations_total",
		Help: "Anchor evaluations after the origin event, labeled by result.",
	}, []string{"result"}), "anchor_activations_total")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "origin_rpc_requests_total",
		Help: "Handled RPCs, labeled by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}), "origin_rpc_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "origin_rpc_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"}), "origin_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &OriginCollector{
		gatherer:          gatherer,
		FixesTotal:        fixes,
		OriginEstablished: established,
		OriginLevel:       level,
		Listeners:         listeners,
		AnchorActivations: activations,
		RPCRequests:       requests,
		RPCDurations:      durations,
	}, nil
}

// RecordFix counts a handled fix.
func (c *OriginCollector) RecordFix(outcome string) {
	if c == nil || c.FixesTotal == nil {
		return
	}
	c.FixesTotal.WithLabelValues(outcome).Inc()
}

// SetOriginEstablished updates the establishment gauges.
func (c *OriginCollector) SetOriginEstablished(established bool, level int) {
	if c == nil {
		return
	}
	if c.OriginEstablished != nil {
		v := 0.0
		if established {
			v = 1
		}
		c.OriginEstablished.Set(v)
	}
	if c.OriginLevel != nil {
		c.OriginLevel.Set(float64(level))
	}
}

// SetListeners records the size of the listener registry.
func (c *OriginCollector) SetListeners(n int) {
	if c == nil || c.Listeners == nil {
		return
	}
	c.Listeners.Set(float64(n))
}

// RecordActivation counts an anchor evaluation.
func (c *OriginCollector) RecordActivation(activated bool) {
	if c == nil || c.AnchorActivations == nil {
		return
	}
	result := "out_of_range"
	if activated {
		result = "activated"
	}
	c.AnchorActivations.WithLabelValues(result).Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *OriginCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *OriginCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown" for parts it cannot find.
func SplitMethod(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
