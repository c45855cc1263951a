package metrics

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"smmbot/pkg/logx"
)

const namespace = "smmbot"

// PrometheusSink implements Sink. Collectors that fail to register keep
// working unregistered, so callers never see registration errors.
type PrometheusSink struct {
	log logx.Logger

	ticksTotal    prometheus.Counter
	tickDuration  prometheus.Histogram
	jobsFired     prometheus.Counter
	ordersTotal   *prometheus.CounterVec
	unitsOrdered  prometheus.Counter
	stoppedTotal  *prometheus.CounterVec
	jobStates     *prometheus.GaugeVec
	panelCalls    *prometheus.CounterVec
	panelDuration *prometheus.HistogramVec
	notifications *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log.With(logx.Component("metrics"))}

	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
		Help: "Scheduler ticks processed.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
		Help:    "Wall time of one scheduler tick, including panel calls.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})
	s.jobsFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "jobs_fired_total",
		Help: "Jobs fired by the scheduler.",
	})
	s.ordersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "orders", Name: "total",
		Help: "Orders placed, by result.",
	}, []string{"result"})
	s.unitsOrdered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "orders", Name: "units_total",
		Help: "Units ordered by successful orders.",
	})
	s.stoppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "jobs", Name: "stopped_total",
		Help: "Jobs stopped, by who stopped them.",
	}, []string{"by"})
	s.jobStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "jobs", Name: "current",
		Help: "Jobs per state at the last tick.",
	}, []string{"state"})
	s.panelCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "panel", Name: "calls_total",
		Help: "Panel API calls by action and outcome.",
	}, []string{"action", "outcome"})
	s.panelDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "panel", Name: "call_duration_seconds",
		Help:    "Panel API latency.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"action"})
	s.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "notifier", Name: "messages_total",
		Help: "Outgoing chat notifications by outcome.",
	}, []string{"outcome"})

	for _, c := range []prometheus.Collector{
		s.ticksTotal, s.tickDuration, s.jobsFired, s.ordersTotal, s.unitsOrdered,
		s.stoppedTotal, s.jobStates, s.panelCalls, s.panelDuration, s.notifications,
	} {
		s.register(reg, c)
	}
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		s.log.Warn("metric registration failed", logx.Err(err))
	}
}

func (s *PrometheusSink) TickCompleted(d time.Duration, fired int) {
	s.ticksTotal.Inc()
	s.tickDuration.Observe(d.Seconds())
	s.jobsFired.Add(float64(fired))
}

func (s *PrometheusSink) OrderPlaced(success bool, quantity int) {
	if !success {
		s.ordersTotal.WithLabelValues("failed").Inc()
		return
	}
	s.ordersTotal.WithLabelValues("success").Inc()
	if quantity > 0 {
		s.unitsOrdered.Add(float64(quantity))
	}
}

func (s *PrometheusSink) JobStopped(reason string) {
	s.stoppedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) JobStates(active, paused, stopped int) {
	s.jobStates.WithLabelValues("active").Set(float64(active))
	s.jobStates.WithLabelValues("paused").Set(float64(paused))
	s.jobStates.WithLabelValues("stopped").Set(float64(stopped))
}

func (s *PrometheusSink) ObservePanelCall(action, outcome string, d time.Duration) {
	s.panelCalls.WithLabelValues(action, outcome).Inc()
	s.panelDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (s *PrometheusSink) NotificationDelivered(outcome string) {
	s.notifications.WithLabelValues(outcome).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
