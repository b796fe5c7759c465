package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/queuebus/messaging"
)

const namespace = "queuebus"

// Prometheus exports bus measurements as Prometheus metrics.
type Prometheus struct {
	mu sync.Mutex

	sendsTotal       *prometheus.CounterVec
	sendDuration     *prometheus.HistogramVec
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	faultsTotal      *prometheus.CounterVec
	pendingRequests  prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

var _ messaging.MetricsCollector = (*Prometheus)(nil)

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		labels,
	)
}

// NewPrometheus creates a collector. A nil registerer means the default one.
func NewPrometheus(registerer prometheus.Registerer) *Prometheus {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Prometheus{
		registerer:       registerer,
		sendsTotal:       newCounterVec("send", "total", "Messages sent, by queue, type and outcome", []string{"queue", "type", "outcome"}),
		sendDuration:     newHistogramVec("send", "duration_seconds", "Time spent sending including retries", []string{"queue", "type"}),
		dispatchTotal:    newCounterVec("dispatch", "total", "Envelopes processed by dispatch loops, by final state", []string{"queue", "type", "state"}),
		dispatchDuration: newHistogramVec("dispatch", "duration_seconds", "Time spent processing one envelope", []string{"queue", "type"}),
		faultsTotal:      newCounterVec("dispatch", "faults_total", "Fault events raised, by reason", []string{"queue", "type", "reason"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Requests awaiting a reply",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (p *Prometheus) Register() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registered {
		return nil
	}

	for _, c := range p.collectors() {
		if err := p.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	p.registered = true
	return nil
}

// Unregister removes the collectors so another bus can register its own.
func (p *Prometheus) Unregister() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.collectors() {
		p.registerer.Unregister(c)
	}
	p.registered = false
}

func (p *Prometheus) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.sendsTotal,
		p.sendDuration,
		p.dispatchTotal,
		p.dispatchDuration,
		p.faultsTotal,
		p.pendingRequests,
	}
}

func (p *Prometheus) RecordSend(queue, typeTag string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.sendsTotal.WithLabelValues(queue, typeTag, outcome).Inc()
	p.sendDuration.WithLabelValues(queue, typeTag).Observe(duration.Seconds())
}

func (p *Prometheus) RecordDispatch(queue, typeTag string, state messaging.DispatchState, duration time.Duration) {
	p.dispatchTotal.WithLabelValues(queue, typeTag, state.String()).Inc()
	p.dispatchDuration.WithLabelValues(queue, typeTag).Observe(duration.Seconds())
}

func (p *Prometheus) RecordFault(queue, typeTag string, reason messaging.FaultReason) {
	p.faultsTotal.WithLabelValues(queue, typeTag, string(reason)).Inc()
}

func (p *Prometheus) SetPending(n int) {
	p.pendingRequests.Set(float64(n))
}
