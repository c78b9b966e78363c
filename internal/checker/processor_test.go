package checker

import (
	"context"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/clock"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/objects"
	"github.com/fleetwatch/fleetwatch/internal/ring"
)

func newTestService(t *testing.T, maxAttempts int) (*objects.Service, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := objects.NewService("host1", "svc1", time.Minute, nil)
	svc.MaxCheckAttempts = maxAttempts
	svc.Active = true
	svc.Authoritative = true
	return svc, mock
}

func result(state int, active bool, execStart time.Time) *objects.CheckResult {
	return &objects.CheckResult{State: state, Active: active, ExecutionStart: execStart}
}

// With a single max attempt, OK -> Unknown -> OK -> Critical -> OK. Every result is
// immediately Hard; notifications are Problem(Unknown), Recovery,
// Problem(Critical), Recovery.
func TestProcessorSingleAttemptEveryResultHard(t *testing.T) {
	svc, mock := newTestService(t, 1)
	bus := events.New(nil)
	p := NewProcessor(bus, mock, nil)

	var notifications []objects.NotificationType
	bus.OnNotificationsRequested(func(req events.NotificationRequest) {
		notifications = append(notifications, req.Type)
	})

	t0 := mock.Now()
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceOK, true, t0), "local")
	if svc.StateType != objects.StateTypeHard || svc.CheckAttempt != 1 {
		t.Fatalf("after initial OK: stateType=%v attempt=%d", svc.StateType, svc.CheckAttempt)
	}

	t1 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceUnknown, true, t1), "local")
	if svc.StateType != objects.StateTypeHard || svc.CheckAttempt != 1 {
		t.Fatalf("after Unknown: stateType=%v attempt=%d", svc.StateType, svc.CheckAttempt)
	}

	t2 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceOK, true, t2), "local")

	t3 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceCritical, true, t3), "local")

	t4 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceOK, true, t4), "local")

	want := []objects.NotificationType{
		objects.NotificationProblem, objects.NotificationRecovery,
		objects.NotificationProblem, objects.NotificationRecovery,
	}
	if len(notifications) != len(want) {
		t.Fatalf("notifications = %v, want %v", notifications, want)
	}
	for i := range want {
		if notifications[i] != want[i] {
			t.Fatalf("notification[%d] = %v, want %v", i, notifications[i], want[i])
		}
	}
}

// With three max attempts, OK -> Unknown -> Critical -> Critical -> OK. Soft at
// attempt 1 and 2, Hard (attempt reset to 1) on the third non-OK result,
// with exactly one Problem notification at the hard transition.
func TestProcessorThreeAttemptSoftClimbToHard(t *testing.T) {
	svc, mock := newTestService(t, 3)
	bus := events.New(nil)
	p := NewProcessor(bus, mock, nil)

	var notifications []objects.NotificationType
	bus.OnNotificationsRequested(func(req events.NotificationRequest) {
		notifications = append(notifications, req.Type)
	})

	t0 := mock.Now()
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceOK, true, t0), "local")

	t1 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceUnknown, true, t1), "local")
	if svc.StateType != objects.StateTypeSoft || svc.CheckAttempt != 1 {
		t.Fatalf("after first Unknown: stateType=%v attempt=%d", svc.StateType, svc.CheckAttempt)
	}

	t2 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceCritical, true, t2), "local")
	if svc.StateType != objects.StateTypeSoft || svc.CheckAttempt != 2 {
		t.Fatalf("after second non-OK: stateType=%v attempt=%d", svc.StateType, svc.CheckAttempt)
	}

	t3 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceCritical, true, t3), "local")
	if svc.StateType != objects.StateTypeHard || svc.CheckAttempt != 1 {
		t.Fatalf("after third non-OK: stateType=%v attempt=%d", svc.StateType, svc.CheckAttempt)
	}

	t4 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceOK, true, t4), "local")

	want := []objects.NotificationType{objects.NotificationProblem, objects.NotificationRecovery}
	if len(notifications) != len(want) {
		t.Fatalf("notifications = %v, want %v", notifications, want)
	}
}

// Idempotence: reprocessing an identical state + execution timestamp
// produces no additional signal emissions beyond OnNewCheckResult.
func TestProcessorIdempotentOnDuplicateResult(t *testing.T) {
	svc, mock := newTestService(t, 1)
	bus := events.New(nil)
	p := NewProcessor(bus, mock, nil)

	stateChanges := 0
	bus.OnStateChange(func(c *objects.Checkable, cr *objects.CheckResult, st objects.StateType, origin string) {
		stateChanges++
	})

	execAt := mock.Now()
	cr := result(objects.ServiceCritical, true, execAt)
	p.ProcessCheckResult(context.Background(), svc.Checkable, cr, "local")
	if stateChanges != 1 {
		t.Fatalf("expected 1 state change after first Critical, got %d", stateChanges)
	}

	cr2 := result(objects.ServiceCritical, true, execAt)
	p.ProcessCheckResult(context.Background(), svc.Checkable, cr2, "local")
	if stateChanges != 1 {
		t.Fatalf("expected no additional state change on identical re-processing, got total %d", stateChanges)
	}
}

// Late results (older execution_start than the last-applied result) are
// dropped silently.
func TestProcessorDropsLateResult(t *testing.T) {
	svc, mock := newTestService(t, 1)
	bus := events.New(nil)
	p := NewProcessor(bus, mock, nil)

	newResults := 0
	bus.OnNewCheckResult(func(c *objects.Checkable, cr *objects.CheckResult, origin string) { newResults++ })

	later := mock.Now().Add(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceOK, true, later), "local")
	if newResults != 1 {
		t.Fatalf("expected 1 new-result emission, got %d", newResults)
	}

	earlier := mock.Now()
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceCritical, true, earlier), "local")
	if newResults != 1 {
		t.Fatalf("late result should have been dropped, got %d new-result emissions", newResults)
	}
	if svc.StateRaw != objects.ServiceOK {
		t.Fatalf("late result should not have mutated state, got %d", svc.StateRaw)
	}
}

// Passive (non-active) results set next_check to a freshness window
// rather than the active-check stampede-avoidance formula.
func TestProcessorPassiveResultSetsFreshnessWindow(t *testing.T) {
	svc, mock := newTestService(t, 1)
	bus := events.New(nil)
	p := NewProcessor(bus, mock, nil)

	now := mock.Now()
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceOK, false, now), "passive")

	svc.Lock()
	next := svc.NextCheck
	svc.Unlock()
	if next.Before(now.Add(svc.CheckInterval)) || next.After(now.Add(svc.CheckInterval+time.Second)) {
		t.Fatalf("expected next_check ~= now+check_interval, got %v (now=%v)", next, now)
	}
}

func TestProcessorCountsPassiveResultsOnlyWhenCountersAttached(t *testing.T) {
	svc, mock := newTestService(t, 1)
	bus := events.New(nil)
	p := NewProcessor(bus, mock, nil)
	counters := ring.NewCounters(60)
	p.SetCounters(counters)

	now := mock.Now()
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceOK, false, now), "passive")
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceOK, true, now.Add(time.Second)), "local")

	if got := counters.PassiveServiceChecks.Sum(now.Unix(), 60); got != 1 {
		t.Fatalf("PassiveServiceChecks sum = %d, want 1", got)
	}
	if got := counters.ActiveServiceChecks.Sum(now.Unix(), 60); got != 0 {
		t.Fatalf("ActiveServiceChecks sum = %d, want 0 (the processor never counts active results itself)", got)
	}
}

// A Normal acknowledgement clears on any state change.
func TestProcessorClearsNormalAckOnStateChange(t *testing.T) {
	svc, mock := newTestService(t, 1)
	bus := events.New(nil)
	p := NewProcessor(bus, mock, nil)

	cleared := false
	bus.OnAcknowledgementCleared(func(c *objects.Checkable, origin string) { cleared = true })

	t0 := mock.Now()
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceCritical, true, t0), "local")
	svc.Acknowledge(objects.AckNormal, time.Time{})

	t1 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceWarning, true, t1), "local")

	if !cleared {
		t.Fatal("expected OnAcknowledgementCleared on state change under a Normal ack")
	}
	ackType, _ := svc.AckSnapshot()
	if ackType != objects.AckNone {
		t.Fatalf("expected ack cleared, got %v", ackType)
	}
}

func TestProcessorClearsExpiredAckAndEmitsSignal(t *testing.T) {
	svc, mock := newTestService(t, 1)
	bus := events.New(nil)
	p := NewProcessor(bus, mock, nil)

	cleared := false
	bus.OnAcknowledgementCleared(func(c *objects.Checkable, origin string) { cleared = true })

	t0 := mock.Now()
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceCritical, true, t0), "local")
	svc.Acknowledge(objects.AckNormal, mock.Now().Add(30*time.Second))

	// Same state, so only the expiry can clear the ack.
	t1 := mock.Advance(time.Minute)
	p.ProcessCheckResult(context.Background(), svc.Checkable, result(objects.ServiceCritical, true, t1), "local")

	if !cleared {
		t.Fatal("expected OnAcknowledgementCleared when the ack expiry lapses")
	}
	ackType, _ := svc.AckSnapshot()
	if ackType != objects.AckNone {
		t.Fatalf("expected ack cleared, got %v", ackType)
	}
}
