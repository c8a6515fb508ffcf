// Package prom exports relay metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mydia/relay/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer exports relay metrics to Prometheus.
type Observer struct {
	connGauge       prometheus.Gauge
	helloTotal      *prometheus.CounterVec
	disconnectTotal *prometheus.CounterVec
	forwardTotal    *prometheus.CounterVec
	forwardLatency  prometheus.Histogram
	claimTotal      *prometheus.CounterVec
	sweepStale      prometheus.Counter
	sweepClaims     prometheus.Counter
}

// NewObserver registers relay metrics on the registry.
func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mydia_relay_instance_connections",
			Help: "Current instance control-channel connection count.",
		}),
		helloTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mydia_relay_hello_total",
			Help: "Control-channel hello attempts by result.",
		}, []string{"result"}),
		disconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mydia_relay_disconnect_total",
			Help: "Control-channel disconnects by reason.",
		}, []string{"reason"}),
		forwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mydia_relay_forward_total",
			Help: "Forwarded client requests by outcome.",
		}, []string{"outcome"}),
		forwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mydia_relay_forward_latency_seconds",
			Help:    "Latency of forwarded requests from dispatch to response.",
			Buckets: prometheus.DefBuckets,
		}),
		claimTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mydia_relay_claim_total",
			Help: "Claim operations by kind.",
		}, []string{"op"}),
		sweepStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mydia_relay_sweep_stale_instances_total",
			Help: "Instances marked offline by the stale sweep.",
		}),
		sweepClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mydia_relay_sweep_deleted_claims_total",
			Help: "Expired claims removed by the cleanup sweep.",
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.helloTotal,
		o.disconnectTotal,
		o.forwardTotal,
		o.forwardLatency,
		o.claimTotal,
		o.sweepStale,
		o.sweepClaims,
	)
	return o
}

func (o *Observer) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *Observer) Hello(result observability.HelloResult) {
	o.helloTotal.WithLabelValues(string(result)).Inc()
}

func (o *Observer) Disconnect(reason observability.DisconnectReason) {
	o.disconnectTotal.WithLabelValues(string(reason)).Inc()
}

func (o *Observer) Forward(outcome observability.ForwardOutcome, d time.Duration) {
	o.forwardTotal.WithLabelValues(string(outcome)).Inc()
	o.forwardLatency.Observe(d.Seconds())
}

func (o *Observer) Claim(op observability.ClaimOp) {
	o.claimTotal.WithLabelValues(string(op)).Inc()
}

func (o *Observer) Sweep(staleInstances, deletedClaims int) {
	o.sweepStale.Add(float64(staleInstances))
	o.sweepClaims.Add(float64(deletedClaims))
}
