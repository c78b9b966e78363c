// Package events implements a named signal fanout bus: a typed
// publish-subscribe layer that decouples the state machine from
// downstream consumers (notification engines, storage adapters, query
// front-ends). Each signal is a named field on a Bus rather than a
// generic string-keyed dispatcher, so subscribers and emitters get
// compile-time checked payloads.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/objects"
)

// Disposer removes a subscription when called. Safe to call more than
// once; safe to call while another goroutine is mid-emission — unsubscribing
// must be safe even while another goroutine is iterating subscribers.
type Disposer func()

// NotificationRequest is the payload of OnNotificationsRequested: the core
// describes what notification *should* happen; it never sends one itself.
type NotificationRequest struct {
	Checkable *objects.Checkable
	Type      objects.NotificationType
	Result    *objects.CheckResult
	Author    string
	Text      string
	Origin    string
}

type stateChangeSubscriber func(c *objects.Checkable, cr *objects.CheckResult, st objects.StateType, origin string)
type newResultSubscriber func(c *objects.Checkable, cr *objects.CheckResult, origin string)
type reachabilitySubscriber func(c *objects.Checkable, cr *objects.CheckResult, affectedChildren []*objects.Checkable, origin string)
type notificationRequestedSubscriber func(req NotificationRequest)
type ackSetSubscriber func(c *objects.Checkable, author, comment string, ackType objects.AckType, notify, persistent bool, expiry int64, origin string)
type ackClearedSubscriber func(c *objects.Checkable, origin string)
type commentSubscriber func(commentID string)
type downtimeSubscriber func(downtimeID string)
type nextCheckSubscriber func(c *objects.Checkable)
type eventCommandSubscriber func(c *objects.Checkable)

// signal[T] is a small generic fanout point: a mutex-guarded list of
// subscriber funcs, emitted by iterating a local copy (snapshot-then-
// iterate) so handlers may register/unregister mid-emission without a
// race.
type signal[T any] struct {
	mu   sync.Mutex
	subs map[int]T
	next int
}

func (s *signal[T]) connect(fn T) Disposer {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]T)
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *signal[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

// Bus is the process-wide fanout point. Construction requires a logger
// because emission recovers from subscriber panics and logs them rather
// than unwinding into the emitter.
type Bus struct {
	log *zap.Logger

	onNewCheckResult        signal[newResultSubscriber]
	onStateChange           signal[stateChangeSubscriber]
	onReachabilityChanged   signal[reachabilitySubscriber]
	onNotificationsRequest  signal[notificationRequestedSubscriber]
	onAcknowledgementSet    signal[ackSetSubscriber]
	onAcknowledgementClear  signal[ackClearedSubscriber]
	onCommentAdded          signal[commentSubscriber]
	onCommentRemoved        signal[commentSubscriber]
	onDowntimeAdded         signal[downtimeSubscriber]
	onDowntimeRemoved       signal[downtimeSubscriber]
	onDowntimeStarted       signal[downtimeSubscriber]
	onDowntimeTriggered     signal[downtimeSubscriber]
	onNextCheckUpdated      signal[nextCheckSubscriber]
	onEventCommandExecuted  signal[eventCommandSubscriber]
}

// New builds an empty Bus. log may be nil in tests, in which case panic
// recovery is silent rather than logged.
func New(log *zap.Logger) *Bus {
	return &Bus{log: log}
}

func (b *Bus) recover(signalName string) {
	if r := recover(); r != nil {
		if b.log != nil {
			b.log.Error("events: subscriber panicked", zap.String("signal", signalName), zap.Any("recovered", r))
		}
	}
}

// --- OnNewCheckResult ---

func (b *Bus) OnNewCheckResult(fn func(c *objects.Checkable, cr *objects.CheckResult, origin string)) Disposer {
	return b.onNewCheckResult.connect(fn)
}

func (b *Bus) EmitNewCheckResult(c *objects.Checkable, cr *objects.CheckResult, origin string) {
	for _, fn := range b.onNewCheckResult.snapshot() {
		b.invokeNewResult(fn, c, cr, origin)
	}
}

func (b *Bus) invokeNewResult(fn newResultSubscriber, c *objects.Checkable, cr *objects.CheckResult, origin string) {
	defer b.recover("OnNewCheckResult")
	fn(c, cr, origin)
}

// --- OnStateChange ---

func (b *Bus) OnStateChange(fn func(c *objects.Checkable, cr *objects.CheckResult, st objects.StateType, origin string)) Disposer {
	return b.onStateChange.connect(fn)
}

func (b *Bus) EmitStateChange(c *objects.Checkable, cr *objects.CheckResult, st objects.StateType, origin string) {
	for _, fn := range b.onStateChange.snapshot() {
		b.invokeStateChange(fn, c, cr, st, origin)
	}
}

func (b *Bus) invokeStateChange(fn stateChangeSubscriber, c *objects.Checkable, cr *objects.CheckResult, st objects.StateType, origin string) {
	defer b.recover("OnStateChange")
	fn(c, cr, st, origin)
}

// --- OnReachabilityChanged ---

func (b *Bus) OnReachabilityChanged(fn func(c *objects.Checkable, cr *objects.CheckResult, affected []*objects.Checkable, origin string)) Disposer {
	return b.onReachabilityChanged.connect(fn)
}

func (b *Bus) EmitReachabilityChanged(c *objects.Checkable, cr *objects.CheckResult, affected []*objects.Checkable, origin string) {
	for _, fn := range b.onReachabilityChanged.snapshot() {
		b.invokeReachability(fn, c, cr, affected, origin)
	}
}

func (b *Bus) invokeReachability(fn reachabilitySubscriber, c *objects.Checkable, cr *objects.CheckResult, affected []*objects.Checkable, origin string) {
	defer b.recover("OnReachabilityChanged")
	fn(c, cr, affected, origin)
}

// --- OnNotificationsRequested ---

func (b *Bus) OnNotificationsRequested(fn func(req NotificationRequest)) Disposer {
	return b.onNotificationsRequest.connect(fn)
}

func (b *Bus) EmitNotificationsRequested(req NotificationRequest) {
	for _, fn := range b.onNotificationsRequest.snapshot() {
		b.invokeNotificationRequested(fn, req)
	}
}

func (b *Bus) invokeNotificationRequested(fn notificationRequestedSubscriber, req NotificationRequest) {
	defer b.recover("OnNotificationsRequested")
	fn(req)
}

// --- OnAcknowledgementSet / OnAcknowledgementCleared ---

func (b *Bus) OnAcknowledgementSet(fn func(c *objects.Checkable, author, comment string, ackType objects.AckType, notify, persistent bool, expiry int64, origin string)) Disposer {
	return b.onAcknowledgementSet.connect(fn)
}

func (b *Bus) EmitAcknowledgementSet(c *objects.Checkable, author, comment string, ackType objects.AckType, notify, persistent bool, expiry int64, origin string) {
	for _, fn := range b.onAcknowledgementSet.snapshot() {
		b.invokeAckSet(fn, c, author, comment, ackType, notify, persistent, expiry, origin)
	}
}

func (b *Bus) invokeAckSet(fn ackSetSubscriber, c *objects.Checkable, author, comment string, ackType objects.AckType, notify, persistent bool, expiry int64, origin string) {
	defer b.recover("OnAcknowledgementSet")
	fn(c, author, comment, ackType, notify, persistent, expiry, origin)
}

func (b *Bus) OnAcknowledgementCleared(fn func(c *objects.Checkable, origin string)) Disposer {
	return b.onAcknowledgementClear.connect(fn)
}

func (b *Bus) EmitAcknowledgementCleared(c *objects.Checkable, origin string) {
	for _, fn := range b.onAcknowledgementClear.snapshot() {
		b.invokeAckCleared(fn, c, origin)
	}
}

func (b *Bus) invokeAckCleared(fn ackClearedSubscriber, c *objects.Checkable, origin string) {
	defer b.recover("OnAcknowledgementCleared")
	fn(c, origin)
}

// --- Comments ---

func (b *Bus) OnCommentAdded(fn func(commentID string)) Disposer   { return b.onCommentAdded.connect(fn) }
func (b *Bus) OnCommentRemoved(fn func(commentID string)) Disposer { return b.onCommentRemoved.connect(fn) }

func (b *Bus) EmitCommentAdded(id string) {
	for _, fn := range b.onCommentAdded.snapshot() {
		b.invokeComment(fn, id, "OnCommentAdded")
	}
}

func (b *Bus) EmitCommentRemoved(id string) {
	for _, fn := range b.onCommentRemoved.snapshot() {
		b.invokeComment(fn, id, "OnCommentRemoved")
	}
}

func (b *Bus) invokeComment(fn commentSubscriber, id, name string) {
	defer b.recover(name)
	fn(id)
}

// --- Downtimes ---

func (b *Bus) OnDowntimeAdded(fn func(downtimeID string)) Disposer     { return b.onDowntimeAdded.connect(fn) }
func (b *Bus) OnDowntimeRemoved(fn func(downtimeID string)) Disposer   { return b.onDowntimeRemoved.connect(fn) }
func (b *Bus) OnDowntimeStarted(fn func(downtimeID string)) Disposer   { return b.onDowntimeStarted.connect(fn) }
func (b *Bus) OnDowntimeTriggered(fn func(downtimeID string)) Disposer { return b.onDowntimeTriggered.connect(fn) }

func (b *Bus) EmitDowntimeAdded(id string) {
	for _, fn := range b.onDowntimeAdded.snapshot() {
		b.invokeDowntime(fn, id, "OnDowntimeAdded")
	}
}
func (b *Bus) EmitDowntimeRemoved(id string) {
	for _, fn := range b.onDowntimeRemoved.snapshot() {
		b.invokeDowntime(fn, id, "OnDowntimeRemoved")
	}
}
func (b *Bus) EmitDowntimeStarted(id string) {
	for _, fn := range b.onDowntimeStarted.snapshot() {
		b.invokeDowntime(fn, id, "OnDowntimeStarted")
	}
}
func (b *Bus) EmitDowntimeTriggered(id string) {
	for _, fn := range b.onDowntimeTriggered.snapshot() {
		b.invokeDowntime(fn, id, "OnDowntimeTriggered")
	}
}

func (b *Bus) invokeDowntime(fn downtimeSubscriber, id, name string) {
	defer b.recover(name)
	fn(id)
}

// --- Misc ---

func (b *Bus) OnNextCheckUpdated(fn func(c *objects.Checkable)) Disposer {
	return b.onNextCheckUpdated.connect(fn)
}

func (b *Bus) EmitNextCheckUpdated(c *objects.Checkable) {
	for _, fn := range b.onNextCheckUpdated.snapshot() {
		b.invokeNextCheck(fn, c)
	}
}

func (b *Bus) invokeNextCheck(fn nextCheckSubscriber, c *objects.Checkable) {
	defer b.recover("OnNextCheckUpdated")
	fn(c)
}

func (b *Bus) OnEventCommandExecuted(fn func(c *objects.Checkable)) Disposer {
	return b.onEventCommandExecuted.connect(fn)
}

func (b *Bus) EmitEventCommandExecuted(c *objects.Checkable) {
	for _, fn := range b.onEventCommandExecuted.snapshot() {
		b.invokeEventCommand(fn, c)
	}
}

func (b *Bus) invokeEventCommand(fn eventCommandSubscriber, c *objects.Checkable) {
	defer b.recover("OnEventCommandExecuted")
	fn(c)
}
