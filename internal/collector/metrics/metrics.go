// Package metrics is the Prometheus-backed MetricsRegistry for the fleet,
// covering every series named in spec section 4.9. Grounded directly on the
// teacher's internal/ratelimiter/telemetry/churn/prom_counters.go: global
// prometheus.New* vars registered once, plus a dedicated /metrics server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the abstract capability contract the rest of the pipeline
// depends on (spec section 9: capability contracts, not singletons). The
// concrete implementation wraps a prometheus.Registerer.
type Registry interface {
	ReadsTotal(deviceID string)
	ReadFailuresTotal(deviceID, reason string)
	ObserveReadLatency(deviceID string, d time.Duration)
	PollSlip(deviceID string)
	BusDropped(n uint64)
	SinkDropped(n uint64)
	SinkBatch(result string)
	SinkRetries(n int)
	ObserveFlushLatency(d time.Duration)
	RateGauge(deviceID string, channel int, rate float64)
	DeviceUp(deviceID string, up bool)
}

// Prometheus implements Registry over github.com/prometheus/client_golang.
type Prometheus struct {
	readsTotal         *prometheus.CounterVec
	readFailuresTotal  *prometheus.CounterVec
	readLatencySeconds *prometheus.HistogramVec
	pollSlipTotal      *prometheus.CounterVec
	busDroppedTotal    prometheus.Counter
	sinkDroppedTotal   prometheus.Counter
	sinkBatchesTotal   *prometheus.CounterVec
	sinkRetriesTotal   prometheus.Counter
	flushLatency       prometheus.Histogram
	rateGauge          *prometheus.GaugeVec
	deviceUp           *prometheus.GaugeVec
}

// NewPrometheus constructs and registers every series against reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		readsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reads_total",
			Help: "Total Modbus read attempts per device.",
		}, []string{"device"}),
		readFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "read_failures_total",
			Help: "Total failed Modbus reads per device, by failure reason.",
		}, []string{"device", "reason"}),
		readLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "read_latency_seconds",
			Help:    "Acquisition duration of successful and failed reads.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"}),
		pollSlipTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poll_slip_total",
			Help: "Count of polls that started late because the prior poll overran poll_interval.",
		}, []string{"device"}),
		busDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_dropped_total",
			Help: "Readings dropped by the ingestion bus under back-pressure.",
		}),
		sinkDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sink_dropped_total",
			Help: "Readings dropped from the sink's overflow buffer after exhausting retries.",
		}),
		sinkBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_batches_total",
			Help: "Batches submitted to the time-series sink, by result.",
		}, []string{"result"}),
		sinkRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sink_retries_total",
			Help: "Total retry attempts performed by the batching sink.",
		}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sink_flush_latency_seconds",
			Help:    "Latency of batch flush attempts to the time-series sink.",
			Buckets: prometheus.DefBuckets,
		}),
		rateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_gauge",
			Help: "Most recently computed rate (pulses/second) per device channel.",
		}, []string{"device", "channel"}),
		deviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_up",
			Help: "1 if the device's last poll succeeded, 0 otherwise.",
		}, []string{"device"}),
	}
	reg.MustRegister(
		p.readsTotal, p.readFailuresTotal, p.readLatencySeconds, p.pollSlipTotal,
		p.busDroppedTotal, p.sinkDroppedTotal, p.sinkBatchesTotal, p.sinkRetriesTotal, p.flushLatency,
		p.rateGauge, p.deviceUp,
	)
	return p
}

func (p *Prometheus) ReadsTotal(deviceID string) { p.readsTotal.WithLabelValues(deviceID).Inc() }

func (p *Prometheus) ReadFailuresTotal(deviceID, reason string) {
	p.readFailuresTotal.WithLabelValues(deviceID, reason).Inc()
}

func (p *Prometheus) ObserveReadLatency(deviceID string, d time.Duration) {
	p.readLatencySeconds.WithLabelValues(deviceID).Observe(d.Seconds())
}

func (p *Prometheus) PollSlip(deviceID string) { p.pollSlipTotal.WithLabelValues(deviceID).Inc() }

func (p *Prometheus) BusDropped(n uint64) { p.busDroppedTotal.Add(float64(n)) }

func (p *Prometheus) SinkDropped(n uint64) { p.sinkDroppedTotal.Add(float64(n)) }

func (p *Prometheus) SinkBatch(result string) { p.sinkBatchesTotal.WithLabelValues(result).Inc() }

func (p *Prometheus) SinkRetries(n int) { p.sinkRetriesTotal.Add(float64(n)) }

func (p *Prometheus) ObserveFlushLatency(d time.Duration) { p.flushLatency.Observe(d.Seconds()) }

func (p *Prometheus) RateGauge(deviceID string, channel int, rate float64) {
	p.rateGauge.WithLabelValues(deviceID, strconv.Itoa(channel)).Set(rate)
}

func (p *Prometheus) DeviceUp(deviceID string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	p.deviceUp.WithLabelValues(deviceID).Set(v)
}

// Handler returns the promhttp handler for mounting on a ServeMux (spec
// section 6 observability surface). reg must be the same Registerer passed
// to NewPrometheus, or the collector's own series won't be scraped — a
// bare promhttp.Handler() only serves prometheus.DefaultGatherer.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
