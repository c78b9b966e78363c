// Package metrics exposes the core's activity as Prometheus collectors.
// It is a pure consumer of the event bus, exactly like an external storage
// adapter: it subscribes to the fanout signals and never reaches into a
// Checkable beyond the payload it was handed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/objects"
)

// SchedulerStats is the narrow view of the scheduler the queue-depth
// gauges poll. *scheduler.Scheduler satisfies it.
type SchedulerStats interface {
	IdleCount() int
	PendingCount() int
}

// Metrics holds the collectors and the bus subscriptions feeding them.
type Metrics struct {
	registry *prometheus.Registry

	checksProcessed  *prometheus.CounterVec
	stateChanges     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	flappingStarts   prometheus.Counter
	flappingEnds     prometheus.Counter
	downtimesAdded   prometheus.Counter
	downtimesRemoved prometheus.Counter
	ackSet           prometheus.Counter
	ackCleared       prometheus.Counter

	disposers []events.Disposer
}

// New builds the collector set on its own registry and registers the
// scheduler queue-depth gauges. sched may be nil (no gauges, e.g. tests
// that only exercise the bus-driven counters).
func New(sched SchedulerStats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_checks_processed_total",
			Help: "Check results processed, by checkable kind and result origin.",
		}, []string{"kind", "origin"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_state_changes_total",
			Help: "State-change signals emitted, by state type.",
		}, []string{"state_type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_notifications_requested_total",
			Help: "Notification requests emitted, by notification type.",
		}, []string{"type"}),
		flappingStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_flapping_starts_total",
			Help: "Transitions into the flapping state.",
		}),
		flappingEnds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_flapping_ends_total",
			Help: "Transitions out of the flapping state.",
		}),
		downtimesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_downtimes_added_total",
			Help: "Downtimes scheduled.",
		}),
		downtimesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_downtimes_removed_total",
			Help: "Downtimes removed, whether expired or cancelled.",
		}),
		ackSet: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_acknowledgements_set_total",
			Help: "Problem acknowledgements set by operators.",
		}),
		ackCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_acknowledgements_cleared_total",
			Help: "Acknowledgements cleared, explicitly or by state change.",
		}),
	}

	m.registry.MustRegister(
		m.checksProcessed, m.stateChanges, m.notifications,
		m.flappingStarts, m.flappingEnds,
		m.downtimesAdded, m.downtimesRemoved,
		m.ackSet, m.ackCleared,
	)

	if sched != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fleetwatch_scheduler_idle",
			Help: "Checkables waiting in the scheduler's ordered idle set.",
		}, func() float64 { return float64(sched.IdleCount()) }))
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fleetwatch_scheduler_pending",
			Help: "Checkables currently executing.",
		}, func() float64 { return float64(sched.PendingCount()) }))
	}

	return m
}

// Attach subscribes the counters to bus. Call Detach to tear down.
func (m *Metrics) Attach(bus *events.Bus) {
	m.disposers = append(m.disposers,
		bus.OnNewCheckResult(func(c *objects.Checkable, cr *objects.CheckResult, origin string) {
			m.checksProcessed.WithLabelValues(kindLabel(c.Kind), origin).Inc()
		}),
		bus.OnStateChange(func(c *objects.Checkable, cr *objects.CheckResult, st objects.StateType, origin string) {
			m.stateChanges.WithLabelValues(st.String()).Inc()
		}),
		bus.OnNotificationsRequested(func(req events.NotificationRequest) {
			m.notifications.WithLabelValues(req.Type.String()).Inc()
			switch req.Type {
			case objects.NotificationFlappingStart:
				m.flappingStarts.Inc()
			case objects.NotificationFlappingEnd:
				m.flappingEnds.Inc()
			}
		}),
		bus.OnDowntimeAdded(func(string) { m.downtimesAdded.Inc() }),
		bus.OnDowntimeRemoved(func(string) { m.downtimesRemoved.Inc() }),
		bus.OnAcknowledgementSet(func(*objects.Checkable, string, string, objects.AckType, bool, bool, int64, string) {
			m.ackSet.Inc()
		}),
		bus.OnAcknowledgementCleared(func(*objects.Checkable, string) { m.ackCleared.Inc() }),
	)
}

// Detach removes every bus subscription Attach installed.
func (m *Metrics) Detach() {
	for _, d := range m.disposers {
		d()
	}
	m.disposers = nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for callers that mount extra
// process-level collectors next to the core's.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func kindLabel(k objects.Kind) string {
	if k == objects.KindHost {
		return "host"
	}
	return "service"
}
