// Package notify implements the notification-interval escalation policy:
// given an escalation-number tier table, decide how long to wait before
// the next renotification is warranted. It never sends anything — the
// core's result processor already emits the request (OnNotificationsRequested);
// transport (mail, chat, scripts) is an external collaborator entirely
// outside this repository.
package notify

import (
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/objects"
)

// Policy tracks a running notification count per Checkable and decides
// the renotification interval (and whether renotification should stop
// entirely) each time a Problem/Recovery request is observed.
type Policy struct {
	baseInterval time.Duration
	escalations  map[*objects.Checkable][]Escalation

	mu     sync.Mutex
	counts map[*objects.Checkable]int
}

// NewPolicy builds a Policy. baseInterval is the renotification interval
// used when no escalation tier overrides it.
func NewPolicy(baseInterval time.Duration) *Policy {
	return &Policy{
		baseInterval: baseInterval,
		escalations:  make(map[*objects.Checkable][]Escalation),
		counts:       make(map[*objects.Checkable]int),
	}
}

// SetEscalations replaces the escalation tiers considered for c.
func (p *Policy) SetEscalations(c *objects.Checkable, escalations []Escalation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.escalations[c] = escalations
}

// Attach subscribes Policy to the bus's notification-request signal so it
// can track the running count; the Disposer returned tears down the
// subscription.
func (p *Policy) Attach(bus *events.Bus) events.Disposer {
	return bus.OnNotificationsRequested(func(req events.NotificationRequest) {
		p.observe(req.Checkable, req.Type)
	})
}

func (p *Policy) observe(c *objects.Checkable, t objects.NotificationType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch t {
	case objects.NotificationRecovery:
		p.counts[c] = 0
	case objects.NotificationProblem:
		p.counts[c]++
	}
}

// NotificationNumber returns the current count of problem notifications
// sent for c since its last recovery (0 if none yet).
func (p *Policy) NotificationNumber(c *objects.Checkable) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[c]
}

// NextInterval returns the interval to wait before the next
// renotification for c is due, and whether renotification should stop
// entirely (the active escalation, or the base policy, resolves to zero).
func (p *Policy) NextInterval(c *objects.Checkable, recovery bool) (interval time.Duration, stop bool) {
	p.mu.Lock()
	n := p.counts[c]
	escalations := p.escalations[c]
	p.mu.Unlock()

	best := p.baseInterval
	found := false
	for _, esc := range escalations {
		if !esc.IsValid(n, recovery) || esc.NotificationInterval < 0 {
			continue
		}
		iv := time.Duration(esc.NotificationInterval * float64(time.Second))
		if !found || iv < best {
			best = iv
			found = true
		}
	}
	return best, best == 0
}
