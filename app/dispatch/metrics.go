package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mercatorhq/herald/app/breaker"
	"github.com/mercatorhq/herald/models"
)

var (
	// Delivery attempts partitioned by terminal status
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sends_total",
			Help: "Delivery attempts by terminal status",
		},
		[]string{"status"},
	)

	// Gateway round-trip latency, circuit-open fast failures excluded
	gatewaySendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_send_duration_seconds",
			Help:    "Messaging gateway send latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit state as a number: 0 closed, 1 half-open, 2 open
	circuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_state",
			Help: "Gateway circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	// Remaining tokens in the global send bucket, sampled after each batch
	globalTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "send_rate_global_tokens",
			Help: "Tokens left in the global send-rate bucket",
		},
	)
)

func recordSend(status models.DeliveryStatus) {
	sendsTotal.WithLabelValues(status.String()).Inc()
}

func observeGatewayLatency(d time.Duration) {
	gatewaySendDuration.Observe(d.Seconds())
}

func recordCircuitState(s breaker.State) {
	switch s {
	case breaker.StateClosed:
		circuitState.Set(0)
	case breaker.StateHalfOpen:
		circuitState.Set(1)
	case breaker.StateOpen:
		circuitState.Set(2)
	}
}

func recordGlobalTokens(tokens float64) {
	globalTokens.Set(tokens)
}
