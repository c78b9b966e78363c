package downtime

import (
	"context"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/objects"
)

// Downtime over a real state change: the Problem that would have fired
// during the window is replayed exactly once when the downtime is removed
// and the checkable is still in a hard non-OK state.
func TestDowntimeSuppressesThenReplaysOnChange(t *testing.T) {
	m, proc, bus, mock := newTestManager(t)
	svc := newTestSvc()

	var problems, recoveries int
	bus.OnNotificationsRequested(func(req events.NotificationRequest) {
		switch req.Type {
		case objects.NotificationProblem:
			problems++
		case objects.NotificationRecovery:
			recoveries++
		}
	})

	d, err := m.ScheduleDowntime(svc.Checkable, "op", "maintenance",
		mock.Now().Add(-time.Hour), mock.Now().Add(time.Hour), true, 0, nil, "")
	if err != nil {
		t.Fatalf("ScheduleDowntime: %v", err)
	}
	m.fixedTriggerSweep(mock.Now())
	drainFlush(m)

	for _, state := range []int{objects.ServiceCritical, objects.ServiceOK, objects.ServiceCritical} {
		mock.Advance(time.Minute)
		proc.ProcessCheckResult(context.Background(), svc.Checkable,
			&objects.CheckResult{State: state, Active: true, ExecutionStart: mock.Now()}, "local")
	}
	if problems != 0 || recoveries != 0 {
		t.Fatalf("notifications during downtime: problems=%d recoveries=%d, want none", problems, recoveries)
	}

	if err := m.UnscheduleDowntime(d.ID, mock.Now(), true); err != nil {
		t.Fatalf("UnscheduleDowntime: %v", err)
	}
	drainFlush(m)

	if problems != 1 || recoveries != 0 {
		t.Fatalf("after removal: problems=%d recoveries=%d, want exactly one deferred Problem", problems, recoveries)
	}
}

// Downtime over no net change: Warning then back to OK inside the window
// defers nothing.
func TestDowntimeOverNoNetChangeDefersNothing(t *testing.T) {
	m, proc, bus, mock := newTestManager(t)
	svc := newTestSvc()

	var problems, recoveries int
	bus.OnNotificationsRequested(func(req events.NotificationRequest) {
		switch req.Type {
		case objects.NotificationProblem:
			problems++
		case objects.NotificationRecovery:
			recoveries++
		}
	})

	d, err := m.ScheduleDowntime(svc.Checkable, "op", "maintenance",
		mock.Now().Add(-time.Hour), mock.Now().Add(time.Hour), true, 0, nil, "")
	if err != nil {
		t.Fatalf("ScheduleDowntime: %v", err)
	}
	m.fixedTriggerSweep(mock.Now())
	drainFlush(m)

	for _, state := range []int{objects.ServiceWarning, objects.ServiceOK} {
		mock.Advance(time.Minute)
		proc.ProcessCheckResult(context.Background(), svc.Checkable,
			&objects.CheckResult{State: state, Active: true, ExecutionStart: mock.Now()}, "local")
	}

	if err := m.UnscheduleDowntime(d.ID, mock.Now(), true); err != nil {
		t.Fatalf("UnscheduleDowntime: %v", err)
	}
	drainFlush(m)

	if problems != 0 || recoveries != 0 {
		t.Fatalf("deferred notifications after no-net-change downtime: problems=%d recoveries=%d, want none", problems, recoveries)
	}
}
