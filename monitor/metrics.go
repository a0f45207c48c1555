package monitor

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledfleet/eventcore/internal/reliability"
)

const namespace = "eventcore"

// PrometheusCollector records every component's metrics on its own registry.
// One instance is shared by the connection registry, the engine, the ack
// tracker, the progress aggregator, the dead-letter handler and the queue
// consumers.
type PrometheusCollector struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesDropped     *prometheus.CounterVec

	eventsProcessed    *prometheus.CounterVec
	processingSeconds  *prometheus.HistogramVec
	envelopes          *prometheus.CounterVec
	envelopeDelivered  *prometheus.CounterVec
	envelopesExpired   *prometheus.CounterVec
	acksReceived       prometheus.Counter
	acksExpired        prometheus.Counter
	progressEmitted    *prometheus.CounterVec
	progressThrottled  *prometheus.CounterVec
	batchesSwept       prometheus.Counter
	deadLetters        *prometheus.CounterVec
	storeOperations    *prometheus.CounterVec
	queueWorkers       *prometheus.GaugeVec
	queueWorkersBusy   *prometheus.GaugeVec
	brokerUp           prometheus.Gauge
	brokerReconnects   prometheus.Counter
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
}

// NewPrometheusCollector registers all metrics plus the Go and process
// collectors on a fresh registry
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live client connections",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Client connections opened",
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames not written to a client connection",
		}, []string{"reason"}),
		eventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Broker events settled, by queue and outcome",
		}, []string{"queue", "outcome"}),
		processingSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time from delivery to settlement",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dispatched_total",
			Help:      "Envelopes handed to the connection registry",
		}, []string{"type"}),
		envelopeDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_deliveries_total",
			Help:      "Frames delivered to connections, by envelope type",
		}, []string{"type"}),
		envelopesExpired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_expired_total",
			Help:      "Envelopes dropped before dispatch because their TTL passed",
		}, []string{"type"}),
		acksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_acks_received_total",
			Help:      "Client acknowledgements matched to a pending envelope",
		}),
		acksExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_acks_expired_total",
			Help:      "Pending acknowledgements that timed out",
		}),
		progressEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_emitted_total",
			Help:      "Progress envelopes emitted",
		}, []string{"kind"}),
		progressThrottled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_throttled_total",
			Help:      "Progress updates suppressed by the throttle window",
		}, []string{"kind"}),
		batchesSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_batches_swept_total",
			Help:      "Batch trackers removed by the expiry sweep",
		}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Events dead-lettered, by queue and category",
		}, []string{"queue", "category"}),
		storeOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadletter_store_operations_total",
			Help:      "Dead-letter store calls, by operation and success",
		}, []string{"operation", "success"}),
		queueWorkers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_workers",
			Help:      "Worker goroutines per queue",
		}, []string{"queue"}),
		queueWorkersBusy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_workers_busy",
			Help:      "Workers currently handling a delivery",
		}, []string{"queue"}),
		brokerUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_up",
			Help:      "1 while the broker connection is open",
		}),
		brokerReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnect_attempts_total",
			Help:      "Broker reconnect attempts",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 open, 2 half-open",
		}, []string{"name"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state changes",
		}, []string{"name", "to"}),
	}
}

// Registry exposes the underlying registry for extra collectors
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsActive.Inc()
	c.connectionsTotal.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) EventProcessed(queue, outcome string, seconds float64) {
	c.eventsProcessed.WithLabelValues(queue, outcome).Inc()
	c.processingSeconds.WithLabelValues(queue).Observe(seconds)
}

func (c *PrometheusCollector) EnvelopeDispatched(messageType string, _ int, delivered int) {
	c.envelopes.WithLabelValues(messageType).Inc()
	c.envelopeDelivered.WithLabelValues(messageType).Add(float64(delivered))
}

func (c *PrometheusCollector) EnvelopeExpired(messageType string) {
	c.envelopesExpired.WithLabelValues(messageType).Inc()
}

func (c *PrometheusCollector) AckReceived() {
	c.acksReceived.Inc()
}

func (c *PrometheusCollector) AckExpired(n int) {
	c.acksExpired.Add(float64(n))
}

func (c *PrometheusCollector) ProgressEmitted(kind string) {
	c.progressEmitted.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) ProgressThrottled(kind string) {
	c.progressThrottled.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) BatchesSwept(n int) {
	c.batchesSwept.Add(float64(n))
}

func (c *PrometheusCollector) RecordDeadLetter(queue, category string) {
	c.deadLetters.WithLabelValues(queue, category).Inc()
}

func (c *PrometheusCollector) RecordStoreOperation(operation string, success bool) {
	c.storeOperations.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
}

func (c *PrometheusCollector) QueueWorkers(queue string, workers, busy int) {
	c.queueWorkers.WithLabelValues(queue).Set(float64(workers))
	c.queueWorkersBusy.WithLabelValues(queue).Set(float64(busy))
}

// OnConnected, OnDisconnected and OnReconnecting make the collector a
// broker connection state listener.
func (c *PrometheusCollector) OnConnected() {
	c.brokerUp.Set(1)
}

func (c *PrometheusCollector) OnDisconnected(error) {
	c.brokerUp.Set(0)
}

func (c *PrometheusCollector) OnReconnecting(int) {
	c.brokerReconnects.Inc()
}

// OnStateChange tracks circuit breaker transitions
func (c *PrometheusCollector) OnStateChange(name string, _, to reliability.State, _ string) {
	c.breakerState.WithLabelValues(name).Set(float64(to))
	c.breakerTransitions.WithLabelValues(name, to.String()).Inc()
}
