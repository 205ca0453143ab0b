package relay

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's prometheus collectors in a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	triggers      *prometheus.CounterVec
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	interrupts    prometheus.Counter
	notifications *prometheus.CounterVec
	queueDepth    prometheus.GaugeFunc
}

func NewMetrics(namespace string, queueDepth func() float64) *Metrics {
	if namespace == "" {
		namespace = "flowrelay"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Inbound trigger events by ingress outcome",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow runs by terminal status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Duration of workflow stream sessions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"status"}),
		interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_interrupts_total",
			Help:      "Interrupt events serviced with a resume call",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification cards by delivery mode and result",
		}, []string{"mode", "result"}),
	}
	reg.MustRegister(m.triggers, m.runs, m.runDuration, m.interrupts, m.notifications)
	if queueDepth != nil {
		m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Triggers waiting for a worker",
		}, queueDepth)
		reg.MustRegister(m.queueDepth)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeTrigger(outcome string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRun(status RunStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeInterrupt() {
	if m == nil {
		return
	}
	m.interrupts.Inc()
}

func (m *Metrics) observeNotification(mode string, ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.notifications.WithLabelValues(mode, result).Inc()
}
