package checker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/clock"
	"github.com/fleetwatch/fleetwatch/internal/dependency"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/flapping"
	"github.com/fleetwatch/fleetwatch/internal/objects"
	"github.com/fleetwatch/fleetwatch/internal/ring"
	"github.com/fleetwatch/fleetwatch/internal/scheduler"
)

// unreachableTimestampKey is the sentinel index into LastStateTimestamps
// used to record the most recent moment a checkable was unreachable; it
// sits outside the valid Host/Service raw-state range so it never
// collides with a real terminal state.
const unreachableTimestampKey = -1

// DowntimeTrigger is the narrow hook the downtime overlay implements so
// the result processor can trigger flexible downtimes on a non-OK
// result (soft or hard) without the checker package depending on the downtime package's
// concrete types. TriggerFlexibleDowntimes is
// called while c's own lock is held; implementations must only use c's
// collMu/depMu-guarded accessors (AddDowntime, Parents, Children, ...),
// never c.Lock()/c.Unlock() or any method that re-acquires it.
type DowntimeTrigger interface {
	TriggerFlexibleDowntimes(c *objects.Checkable, now time.Time)
}

// Processor implements the check-result state machine: it is the sole
// writer of a Checkable's mutable check state once a CheckResult exists,
// and the sole source of the ordered signal emissions a result produces.
type Processor struct {
	bus      *events.Bus
	clock    clock.Source
	downtime DowntimeTrigger
	counters *ring.Counters
	log      *zap.Logger
}

// SetCounters attaches the per-second activity ring buffers incremented
// for every passively-submitted CheckResult. Passing nil (the default)
// disables counting.
func (p *Processor) SetCounters(c *ring.Counters) {
	p.counters = c
}

// SetLogger attaches the logger the reachability walk warns through on a
// recursion overflow or dependency cycle. Passing nil (the default)
// leaves those conditions unlogged.
func (p *Processor) SetLogger(log *zap.Logger) {
	p.log = log
}

// NewProcessor builds a Processor. downtime may be nil (no flexible-
// downtime triggering, e.g. in tests that don't exercise the overlay).
func NewProcessor(bus *events.Bus, src clock.Source, downtime DowntimeTrigger) *Processor {
	if src == nil {
		src = clock.Real{}
	}
	return &Processor{bus: bus, clock: src, downtime: downtime}
}

// ProcessCheckResult applies one CheckResult to c under c's lock, then
// emits the signals the transition warrants in a fixed order. origin
// identifies the source of the result ("local", "remote",
// "remote-timeout", "passive", ...) for downstream consumers.
func (p *Processor) ProcessCheckResult(ctx context.Context, c *objects.Checkable, cr *objects.CheckResult, origin string) {
	now := p.clock.Now()

	if p.counters != nil && !cr.Active {
		if c.Kind == objects.KindHost {
			p.counters.PassiveHostChecks.Update(now.Unix(), 1)
		} else {
			p.counters.PassiveServiceChecks.Update(now.Unix(), 1)
		}
	}

	c.Lock()

	// 1. Late-result filter.
	if c.LastCheckResult != nil && !c.LastCheckResult.ExecutionStart.IsZero() &&
		!cr.ExecutionStart.IsZero() && cr.ExecutionStart.Before(c.LastCheckResult.ExecutionStart) {
		c.Unlock()
		return
	}

	// 2. Stamp missing timestamps.
	if cr.ScheduleStart.IsZero() {
		cr.ScheduleStart = now
	}
	if cr.ScheduleEnd.IsZero() {
		cr.ScheduleEnd = now
	}
	if cr.ExecutionStart.IsZero() {
		cr.ExecutionStart = now
	}
	if cr.ExecutionEnd.IsZero() {
		cr.ExecutionEnd = now
	}

	// agent_check forwarding: hand the result to the configured endpoint
	// instead of processing it here.
	if cr.AgentCheck && c.CommandEndpoint != nil {
		endpoint := c.CommandEndpoint
		host, service := splitCheckableName(c)
		commandName := ""
		if c.Command != nil {
			commandName = c.Command.Name()
		}
		c.Unlock()
		msg := objects.NewClusterCheckMessage("check_command", commandName, host, service, cr.VarsAfter)
		_ = endpoint.Send(ctx, msg)
		return
	}

	oldRaw := c.StateRaw
	oldStateType := c.StateType
	oldAttempt := c.CheckAttempt
	oldIsOK := isOKRaw(c.Kind, oldRaw)
	newRaw := cr.State
	isOK := isOKRaw(c.Kind, newRaw)

	// 3. Reachability.
	reachable := dependency.IsReachable(p.log, c, objects.DepState, now)
	notificationReachable := dependency.IsReachable(p.log, c, objects.DepNotification, now)

	// 4. State-type / attempt transitions.
	var newStateType objects.StateType
	var newAttempt int
	recovery := false
	switch {
	case isOK:
		newStateType = objects.StateTypeHard
		recovery = !oldIsOK
		newAttempt = 1
	case oldIsOK:
		newStateType = objects.StateTypeSoft
		newAttempt = 1
	case oldStateType == objects.StateTypeSoft:
		newStateType = objects.StateTypeSoft
		newAttempt = oldAttempt + 1
	default:
		newStateType = objects.StateTypeHard
		newAttempt = 1
	}
	if newAttempt >= c.MaxCheckAttempts {
		newStateType = objects.StateTypeHard
		newAttempt = 1
	}

	// 5. Record timestamps.
	if c.LastStateTimestamps == nil {
		c.LastStateTimestamps = make(map[int]time.Time)
	}
	c.LastStateTimestamps[newRaw] = now
	if !reachable {
		c.LastStateTimestamps[unreachableTimestampKey] = now
	}

	// 6. Reachability-changed notice for immediate children.
	okTransitioned := isOK != oldIsOK
	var affectedChildren []*objects.Checkable
	if okTransitioned {
		affectedChildren = c.Children(objects.DepState)
	}

	// 7. Detect state change.
	stateChanged := oldRaw != newRaw

	var clearedAck bool
	var rescheduleParents []*objects.Checkable
	if stateChanged {
		c.LastStateChange = now
		if c.Acknowledgement == objects.AckNormal || (c.Acknowledgement == objects.AckSticky && isOK) {
			clearedAck = true
			c.Acknowledgement = objects.AckNone
			c.AcknowledgementExpiry = time.Time{}
		}
		rescheduleParents = c.Parents(objects.DepState)
	}

	// 9. Hard change.
	bothHard := oldStateType == objects.StateTypeHard && newStateType == objects.StateTypeHard
	hardChange := (newStateType == objects.StateTypeHard && oldStateType == objects.StateTypeSoft) ||
		(stateChanged && bothHard)
	if hardChange || c.Volatile {
		c.LastHardStateRaw = newRaw
		c.LastHardStateChange = now
	}

	// 10. Trigger flexible downtimes on a non-OK result.
	if !isOK && p.downtime != nil {
		p.downtime.TriggerFlexibleDowntimes(c, now)
	}

	// 11. Update flapping.
	flapWasFlapping := c.Flapping
	if shouldRecordFlap(c.Kind, newStateType, isOK) {
		c.RecordFlapObservation(stateChanged, now)
	}
	flappingChanged := flapWasFlapping != c.Flapping

	// Resolve acknowledgement expiry inline (c.mu already held: cannot
	// call c.IsAcknowledged, which would re-lock).
	acked := c.Acknowledgement != objects.AckNone
	if acked && !c.AcknowledgementExpiry.IsZero() && !c.AcknowledgementExpiry.After(now) {
		c.Acknowledgement = objects.AckNone
		c.AcknowledgementExpiry = time.Time{}
		acked = false
		// An expiry-based clear is implicit: no comment removal, but the
		// cleared signal still fires like every other auto-clear.
		clearedAck = true
	}
	inDowntime := c.DowntimeCount() > 0

	// 12. Compute send_notification. The promote/demote rules only apply
	// inside the base gate: a suppressed checkable (downtime, ack,
	// unreachable) never notifies here — the deferred-replay path owns
	// whatever should fire once suppression ends.
	sendNotification := false
	if notificationReachable && !inDowntime && !acked {
		if hardChange && !(oldStateType == objects.StateTypeSoft && isOK) {
			sendNotification = true
		}
		if c.Volatile && newStateType == objects.StateTypeHard {
			sendNotification = true
		}
		if oldIsOK && oldStateType == objects.StateTypeSoft {
			sendNotification = false
		}
		if c.Volatile && oldIsOK && isOK {
			sendNotification = false
		}
	}
	if c.Flapping {
		sendNotification = false
	}

	c.StateRaw = newRaw
	c.LastStateRaw = oldRaw
	c.StateType = newStateType
	c.LastStateType = oldStateType
	c.CheckAttempt = newAttempt
	c.LastCheckResult = cr
	c.LastReachable = reachable

	// 13. Reschedule.
	if cr.Active {
		c.NextCheck = scheduler.NextCheckTime(now, c.CheckInterval, c.SchedulingOffset)
	} else {
		ttl := cr.TTL
		if ttl <= 0 {
			ttl = c.CheckInterval
		}
		c.NextCheck = now.Add(ttl)
	}

	// 14. Event handler eligibility.
	runEventHandler := c.EnableEventHandler && c.EventHandler != nil &&
		(newStateType == objects.StateTypeSoft || hardChange || recovery || (c.Volatile && !(oldIsOK && isOK)))

	kind := c.Kind
	eventHandler := c.EventHandler
	volatileSnapshot := c.Volatile

	c.Unlock()

	// Post-unlock side effects and signal emission: never hold a
	// checkable's own lock while touching another checkable's lock or
	// invoking a subscriber.
	for _, parent := range rescheduleParents {
		parent.SetNextCheck(now)
	}
	c.NotifySchedulerOfNextCheck()

	if clearedAck {
		p.bus.EmitAcknowledgementCleared(c, origin)
	}

	p.bus.EmitNewCheckResult(c, cr, origin)

	emitStateChange := stateChanged || newStateType == objects.StateTypeSoft || (volatileSnapshot && !isOK)
	if emitStateChange {
		p.bus.EmitStateChange(c, cr, newStateType, origin)
	}

	if okTransitioned {
		p.bus.EmitReachabilityChanged(c, cr, affectedChildren, origin)
	}

	if flappingChanged && !inDowntime {
		flapType := objects.NotificationFlappingStart
		if !flapWasFlappingNowFlapping(flapWasFlapping) {
			flapType = objects.NotificationFlappingEnd
		}
		p.bus.EmitNotificationsRequested(events.NotificationRequest{
			Checkable: c, Type: flapType, Result: cr, Origin: origin,
		})
	}

	if sendNotification {
		nt := objects.NotificationProblem
		if isOK {
			nt = objects.NotificationRecovery
		}
		p.bus.EmitNotificationsRequested(events.NotificationRequest{
			Checkable: c, Type: nt, Result: cr, Origin: origin,
		})
	}

	if runEventHandler {
		p.runEventHandler(ctx, c, kind, eventHandler)
	}
}

// flapWasFlappingNowFlapping disambiguates which direction a flapping
// transition went: it is only meaningful when flappingChanged is true, at
// which point "was flapping before" false means the transition just
// turned flapping on.
func flapWasFlappingNowFlapping(wasFlappingBefore bool) bool {
	return !wasFlappingBefore
}

// shouldRecordFlap adapts flapping.ShouldRecord to the Checkable model: a
// Service in a Soft, non-OK state is excluded from flap accounting so a
// slow multi-attempt climb doesn't itself register as oscillation.
func shouldRecordFlap(kind objects.Kind, newStateType objects.StateType, isOK bool) bool {
	return flapping.ShouldRecord(kind == objects.KindService, newStateType == objects.StateTypeSoft, isOK)
}

func (p *Processor) runEventHandler(ctx context.Context, c *objects.Checkable, kind objects.Kind, handler objects.EventCommand) {
	defer func() { recover() }()
	if err := handler.Execute(ctx, c, nil); err == nil {
		p.bus.EmitEventCommandExecuted(c)
	}
}

// FireSuppressedNotifications replays a deferred Problem/Recovery
// notification when suppression (downtime or acknowledgement) ends while
// the checkable is in a hard state that differs from the state sampled
// when suppression began. This is the deliberate fix for the
// flapping-ends-in-a-hard-non-OK-state case silently dropping its
// Problem notification.
func (p *Processor) FireSuppressedNotifications(c *objects.Checkable, origin string) {
	wasSuppressed, stateBeforeSuppression := c.EndSuppression()
	if !wasSuppressed {
		return
	}
	c.Lock()
	curRaw := c.StateRaw
	curHard := c.StateType == objects.StateTypeHard
	cr := c.LastCheckResult
	c.Unlock()
	if !curHard || curRaw == stateBeforeSuppression {
		return
	}
	nt := objects.NotificationProblem
	if isOKRaw(c.Kind, curRaw) {
		nt = objects.NotificationRecovery
	}
	p.bus.EmitNotificationsRequested(events.NotificationRequest{
		Checkable: c, Type: nt, Result: cr, Origin: origin,
	})
}

// isOKRaw mirrors CheckResult.IsOK for a bare raw state value.
func isOKRaw(kind objects.Kind, raw int) bool {
	if kind == objects.KindHost {
		return raw == objects.HostUp
	}
	return raw == objects.ServiceOK
}

// unknownRaw returns the raw state used to represent "could not determine
// state" for kind: ServiceUnknown for a Service and HostDown for a Host.
// The HostUnknown sentinel is not used here; only mapExitCode's
// timed-out or failed-invocation path produces it.
func unknownRaw(kind objects.Kind) int {
	if kind == objects.KindHost {
		return objects.HostDown
	}
	return objects.ServiceUnknown
}

// splitCheckableName recovers the (host, service) pair a Checkable's flat
// Name encodes, for building cluster messages.
func splitCheckableName(c *objects.Checkable) (host, service string) {
	if c.Kind == objects.KindHost {
		return c.Name, ""
	}
	for i := 0; i < len(c.Name); i++ {
		if c.Name[i] == '!' {
			return c.Name[:i], c.Name[i+1:]
		}
	}
	return c.Name, ""
}
