package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/objects"
)

type fakeStats struct{ idle, pending int }

func (f fakeStats) IdleCount() int    { return f.idle }
func (f fakeStats) PendingCount() int { return f.pending }

func TestMetrics_CountsBusTraffic(t *testing.T) {
	bus := events.New(zap.NewNop())
	m := New(nil)
	m.Attach(bus)
	defer m.Detach()

	svc := objects.NewService("web", "http", 0, nil)
	cr := &objects.CheckResult{State: objects.ServiceCritical}

	bus.EmitNewCheckResult(svc.Checkable, cr, "local")
	bus.EmitNewCheckResult(svc.Checkable, cr, "local")
	bus.EmitStateChange(svc.Checkable, cr, objects.StateTypeHard, "local")
	bus.EmitNotificationsRequested(events.NotificationRequest{
		Checkable: svc.Checkable,
		Type:      objects.NotificationFlappingStart,
		Result:    cr,
	})

	require.Equal(t, float64(2), testutil.ToFloat64(m.checksProcessed.WithLabelValues("service", "local")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.stateChanges.WithLabelValues("HARD")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.flappingStarts))
}

func TestMetrics_DetachStopsCounting(t *testing.T) {
	bus := events.New(zap.NewNop())
	m := New(nil)
	m.Attach(bus)

	svc := objects.NewService("web", "http", 0, nil)
	cr := &objects.CheckResult{}

	bus.EmitNewCheckResult(svc.Checkable, cr, "local")
	m.Detach()
	bus.EmitNewCheckResult(svc.Checkable, cr, "local")

	require.Equal(t, float64(1), testutil.ToFloat64(m.checksProcessed.WithLabelValues("service", "local")))
}

func TestMetrics_SchedulerGauges(t *testing.T) {
	m := New(fakeStats{idle: 7, pending: 3})

	families, err := m.registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		if len(fam.GetMetric()) == 1 && fam.GetMetric()[0].GetGauge() != nil {
			values[fam.GetName()] = fam.GetMetric()[0].GetGauge().GetValue()
		}
	}
	require.Equal(t, float64(7), values["fleetwatch_scheduler_idle"])
	require.Equal(t, float64(3), values["fleetwatch_scheduler_pending"])
}
