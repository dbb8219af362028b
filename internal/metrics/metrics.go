// Package metrics defines the Prometheus collectors shared by the sync
// loop, the command dispatcher and the operator surfaces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "moissense"

// Metrics groups every collector the service exports
type Metrics struct {
	Polls        *prometheus.CounterVec
	PollLatency  prometheus.Histogram
	Connected    prometheus.Gauge
	SoilRaw      prometheus.Gauge
	Commands     *prometheus.CounterVec
	Requests     *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	RPCRequests  *prometheus.CounterVec
	RPCLatency   *prometheus.HistogramVec
	MQTTMessages *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll ticks by result (ok, error, skipped, discarded).",
		}, []string{"result"}),
		PollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of completed poll ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 when the last poll succeeded.",
		}),
		SoilRaw: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "soil_raw",
			Help:      "Last raw soil moisture reading (0-1023).",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_commands_total",
			Help:      "Pump commands by outcome.",
		}, []string{"target", "outcome"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Operator API requests by route and status.",
		}, []string{"route", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Operator API latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method.",
		}, []string{"method"}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		MQTTMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_total",
			Help:      "MQTT relay publishes by topic and result.",
		}, []string{"topic", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Polls, m.PollLatency, m.Connected, m.SoilRaw, m.Commands,
			m.Requests, m.Latency, m.RPCRequests, m.RPCLatency, m.MQTTMessages,
		)
	}
	return m
}
