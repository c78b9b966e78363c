package notify

import (
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/objects"
)

func newTestCheckable() *objects.Checkable {
	svc := objects.NewService("host1", "svc1", time.Minute, nil)
	return svc.Checkable
}

func TestNextIntervalFallsBackToBaseWithNoEscalations(t *testing.T) {
	p := NewPolicy(5 * time.Minute)
	c := newTestCheckable()

	iv, stop := p.NextInterval(c, false)
	if stop || iv != 5*time.Minute {
		t.Fatalf("NextInterval = (%v, %v), want (5m, false)", iv, stop)
	}
}

func TestNextIntervalUsesShortestActiveEscalation(t *testing.T) {
	p := NewPolicy(10 * time.Minute)
	c := newTestCheckable()
	p.SetEscalations(c, []Escalation{
		{Name: "tier1", FirstNotification: 3, NotificationInterval: 120},
		{Name: "tier2", FirstNotification: 5, NotificationInterval: 30},
	})

	bus := events.New(nil)
	p.Attach(bus)
	for i := 0; i < 5; i++ {
		bus.EmitNotificationsRequested(events.NotificationRequest{Checkable: c, Type: objects.NotificationProblem})
	}
	if p.NotificationNumber(c) != 5 {
		t.Fatalf("NotificationNumber = %d, want 5", p.NotificationNumber(c))
	}

	iv, stop := p.NextInterval(c, false)
	if stop || iv != 30*time.Second {
		t.Fatalf("NextInterval = (%v, %v), want (30s, false) once both tiers are active", iv, stop)
	}
}

func TestNextIntervalStopsWhenEscalationIntervalIsZero(t *testing.T) {
	p := NewPolicy(10 * time.Minute)
	c := newTestCheckable()
	p.SetEscalations(c, []Escalation{{Name: "final", FirstNotification: 1, NotificationInterval: 0}})

	bus := events.New(nil)
	p.Attach(bus)
	bus.EmitNotificationsRequested(events.NotificationRequest{Checkable: c, Type: objects.NotificationProblem})

	iv, stop := p.NextInterval(c, false)
	if !stop || iv != 0 {
		t.Fatalf("NextInterval = (%v, %v), want (0, true)", iv, stop)
	}
}

func TestRecoveryResetsNotificationNumber(t *testing.T) {
	p := NewPolicy(time.Minute)
	c := newTestCheckable()

	bus := events.New(nil)
	p.Attach(bus)
	bus.EmitNotificationsRequested(events.NotificationRequest{Checkable: c, Type: objects.NotificationProblem})
	bus.EmitNotificationsRequested(events.NotificationRequest{Checkable: c, Type: objects.NotificationProblem})
	bus.EmitNotificationsRequested(events.NotificationRequest{Checkable: c, Type: objects.NotificationRecovery})

	if p.NotificationNumber(c) != 0 {
		t.Fatalf("NotificationNumber after recovery = %d, want 0", p.NotificationNumber(c))
	}
}

func TestEscalationIsValidChecksRecoveryOffset(t *testing.T) {
	esc := Escalation{FirstNotification: 3, LastNotification: 5}
	if esc.IsValid(2, false) {
		t.Fatalf("notification 2 should be below the tier's first notification")
	}
	if !esc.IsValid(3, false) {
		t.Fatalf("notification 3 should be within [3,5]")
	}
	if esc.IsValid(6, false) {
		t.Fatalf("notification 6 should be past the tier's last notification")
	}
	if !esc.IsValid(4, true) {
		t.Fatalf("a recovery at problem-number 4 checks against 3, which is in range")
	}
}
