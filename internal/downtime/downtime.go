// Package downtime implements the downtime/acknowledgement/comment
// overlay: scheduled suppression windows and operator annotations layered
// on top of a Checkable's state machine without the state machine itself
// knowing about any of it. The result processor only ever asks two
// questions of this package — "is this checkable currently suppressed"
// (via Checkable.DowntimeCount) and "trigger any flexible downtime whose
// window just opened" (via the DowntimeTrigger hook) — everything else
// (registration, removal, notifications, the scheduled-downtime
// materializer) lives here.
package downtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/checker"
	"github.com/fleetwatch/fleetwatch/internal/clock"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/objects"
)

func errNotFound(id string) error { return fmt.Errorf("downtime: %q not found", id) }

func errOwned(id, owner string) error {
	return fmt.Errorf("downtime: %q is owned by scheduled downtime %q and not yet expired", id, owner)
}

// Downtime is a scheduled suppression window over a single Checkable.
type Downtime struct {
	ID        string
	Checkable *objects.Checkable

	Author  string
	Comment string

	StartTime time.Time
	EndTime   time.Time

	Fixed    bool
	Duration time.Duration // used only when !Fixed

	// TriggerTime is zero until the downtime activates: immediately for a
	// fixed downtime once its sweep observes start has passed, or on the
	// first non-OK result (soft or hard) for a flexible one.
	TriggerTime time.Time

	// TriggeredBy is the ID of the downtime that triggered this one, if
	// any; empty for a downtime the operator (or materializer) scheduled
	// directly.
	TriggeredBy string

	// Triggers lists downtime IDs to trigger, recursively, the moment this
	// downtime itself triggers.
	Triggers []string

	// ConfigOwner is the name of the ScheduledDowntime that materialized
	// this downtime, if any. An owned downtime may only be removed once
	// expired; operator-initiated removal is rejected.
	ConfigOwner string

	RemoveTime   time.Time
	WasCancelled bool

	// Active is false once the downtime has been removed (expired or
	// cancelled). A removed Downtime is dropped from Manager's map as soon
	// as its flush event is queued.
	Active bool

	CommentID string
}

// InEffect reports whether this downtime is currently suppressing
// notifications: for a fixed downtime, simply being within its window; for
// a flexible one, only once triggered and still within its post-trigger
// duration and its outer window.
func (d *Downtime) InEffect(now time.Time) bool {
	if d.Fixed {
		return !now.Before(d.StartTime) && !now.After(d.EndTime)
	}
	if d.TriggerTime.IsZero() {
		return false
	}
	return now.Before(d.TriggerTime.Add(d.Duration)) &&
		!now.Before(d.StartTime) && !now.After(d.EndTime)
}

// Triggered reports whether this downtime has activated as of now.
func (d *Downtime) Triggered(now time.Time) bool {
	return !d.TriggerTime.IsZero() && !d.TriggerTime.After(now)
}

// Expired reports whether this downtime can never again be in effect: a
// fixed downtime expires once its window closes; a flexible one expires
// either because it triggered and its in-effect period has since ended, or
// because its window closed before it ever triggered.
func (d *Downtime) Expired(now time.Time) bool {
	if d.Fixed {
		return d.EndTime.Before(now)
	}
	if d.Triggered(now) {
		return !d.InEffect(now)
	}
	return d.EndTime.Before(now)
}

// CanBeTriggered reports whether this downtime is eligible to trigger now:
// still active, not removed, not expired, not already triggered-and-in-
// effect, and within its window.
func (d *Downtime) CanBeTriggered(now time.Time) bool {
	if !d.Active || !d.RemoveTime.IsZero() || d.Expired(now) {
		return false
	}
	if d.InEffect(now) && d.Triggered(now) {
		return false
	}
	return !now.Before(d.StartTime) && !now.After(d.EndTime)
}

// eventKind distinguishes the deferred side effects a trigger or removal
// queues for the flush loop to carry out outside of any Checkable lock.
type eventKind int

const (
	eventTriggered eventKind = iota
	eventRemoved
)

type overlayEvent struct {
	kind           eventKind
	downtime       *Downtime
	wasInEffect    bool // removal only
	neverTriggered bool // removal only
	wasCancelled   bool // removal only
}

// Manager owns every Downtime, Comment, and acknowledgement side effect
// for the checkables registered with it. Its own mutex serializes
// mutation of the downtime/comment maps; it never takes a Checkable's own
// lock except through the collMu/depMu-guarded accessors, so it is safe to
// call TriggerFlexibleDowntimes from inside the result processor's locked
// section.
type Manager struct {
	log   *zap.Logger
	clock clock.Source
	bus   *events.Bus
	proc  *checker.Processor

	mu        sync.RWMutex
	downtimes map[string]*Downtime
	byChecker map[*objects.Checkable]map[string]struct{}

	comments *CommentManager

	schedMu   sync.Mutex
	scheduled map[string]*ScheduledDowntime

	flush chan overlayEvent

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Manager. proc is the result processor whose
// FireSuppressedNotifications hook is called when the last downtime or
// acknowledgement on a checkable clears.
func New(log *zap.Logger, src clock.Source, bus *events.Bus, proc *checker.Processor) *Manager {
	if src == nil {
		src = clock.Real{}
	}
	return &Manager{
		log:       log,
		clock:     src,
		bus:       bus,
		proc:      proc,
		downtimes: make(map[string]*Downtime),
		byChecker: make(map[*objects.Checkable]map[string]struct{}),
		comments:  newCommentManager(),
		scheduled: make(map[string]*ScheduledDowntime),
		flush:     make(chan overlayEvent, 256),
		stopCh:    make(chan struct{}),
	}
}

// SetProcessor wires the result processor after both it and Manager have
// been constructed, breaking the construction cycle: Processor needs a
// DowntimeTrigger (satisfied by Manager) and Manager needs the Processor
// it can replay suppressed notifications through.
func (m *Manager) SetProcessor(p *checker.Processor) {
	m.proc = p
}

// Run drives the flush loop and the three background sweeps (expire,
// fixed-trigger, scheduled-downtime materializer) until ctx is cancelled
// or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); m.flushLoop(ctx) }()
	go func() { defer wg.Done(); m.sweepLoop(ctx, 60*time.Second, m.expireSweep) }()
	go func() { defer wg.Done(); m.sweepLoop(ctx, 5*time.Second, m.fixedTriggerSweep) }()
	go func() { defer wg.Done(); m.sweepLoop(ctx, 60*time.Second, m.materializeSweep) }()
	wg.Wait()
}

// Stop signals every Run goroutine to return.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) sweepLoop(ctx context.Context, period time.Duration, fn func(now time.Time)) {
	timer := m.clock.NewTimer(period)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-timer.C():
			fn(m.clock.Now())
			timer.Reset(period)
		}
	}
}

// ScheduleDowntime registers a new downtime over c. If c is already in a
// non-OK state, it triggers immediately. triggers is the list of downtime
// IDs to cascade-trigger once this one activates.
func (m *Manager) ScheduleDowntime(c *objects.Checkable, author, comment string, start, end time.Time, fixed bool, duration time.Duration, triggers []string, configOwner string) (*Downtime, error) {
	if err := config.ValidateDowntimeWindow(config.DowntimeWindow{Start: start, End: end}); err != nil {
		return nil, err
	}

	now := m.clock.Now()

	cm, err := m.comments.Add(c, author, comment, CommentDowntime, false, time.Time{})
	if err != nil {
		return nil, err
	}

	d := &Downtime{
		ID:          uuid.NewString(),
		Checkable:   c,
		Author:      author,
		Comment:     comment,
		StartTime:   start,
		EndTime:     end,
		Fixed:       fixed,
		Duration:    duration,
		Triggers:    triggers,
		ConfigOwner: configOwner,
		Active:      true,
		CommentID:   cm.ID,
	}

	m.mu.Lock()
	m.downtimes[d.ID] = d
	if m.byChecker[c] == nil {
		m.byChecker[c] = make(map[string]struct{})
	}
	m.byChecker[c][d.ID] = struct{}{}
	m.mu.Unlock()

	c.AddComment(cm.ID)
	m.bus.EmitDowntimeAdded(d.ID)

	if !c.IsOK() {
		m.mu.Lock()
		triggered := m.triggerRecursiveLocked(d, now)
		m.mu.Unlock()
		for _, id := range triggered {
			if td := m.mustGet(id); td != nil {
				m.flush <- overlayEvent{kind: eventTriggered, downtime: td}
			}
		}
	}

	return d, nil
}

// UnscheduleDowntime removes a downtime. A downtime owned by a
// ScheduledDowntime (ConfigOwner set) can only be removed by the
// materializer itself once expired; an operator-initiated call against a
// still-live owned downtime is rejected.
func (m *Manager) UnscheduleDowntime(id string, now time.Time, cancelled bool) error {
	m.mu.Lock()
	d, ok := m.downtimes[id]
	if !ok {
		m.mu.Unlock()
		return errNotFound(id)
	}
	if !d.Active {
		m.mu.Unlock()
		return nil
	}
	if cancelled && d.ConfigOwner != "" && !d.Expired(now) {
		m.mu.Unlock()
		return errOwned(id, d.ConfigOwner)
	}
	evs := m.removeLocked(d, now, cancelled)
	m.mu.Unlock()

	for _, ev := range evs {
		m.flush <- ev
	}
	return nil
}

// TriggerFlexibleDowntimes satisfies checker.DowntimeTrigger. It is called
// by the result processor while c's own lock is held, so it touches only
// c's collMu-guarded accessors (via AddDowntime) and never c.Lock(). Every
// notification and signal side effect is deferred to the flush loop.
func (m *Manager) TriggerFlexibleDowntimes(c *objects.Checkable, now time.Time) {
	m.mu.Lock()
	var toFlush []*Downtime
	for id := range m.byChecker[c] {
		d := m.downtimes[id]
		if d == nil || d.Fixed || !d.TriggerTime.IsZero() {
			continue
		}
		if !d.CanBeTriggered(now) {
			continue
		}
		for _, triggeredID := range m.triggerRecursiveLocked(d, now) {
			toFlush = append(toFlush, m.downtimes[triggeredID])
		}
	}
	m.mu.Unlock()

	for _, d := range toFlush {
		if d != nil {
			m.flush <- overlayEvent{kind: eventTriggered, downtime: d}
		}
	}
}

// triggerRecursiveLocked activates d and every downtime in its Triggers
// list, transitively, skipping any already triggered (guards against a
// cycle). Must be called with m.mu held; only touches collMu via
// AddDowntime.
func (m *Manager) triggerRecursiveLocked(d *Downtime, now time.Time) []string {
	if !d.TriggerTime.IsZero() {
		return nil
	}
	d.TriggerTime = now
	d.Checkable.AddDowntime(d.ID)
	ids := []string{d.ID}
	for _, childID := range d.Triggers {
		child, ok := m.downtimes[childID]
		if !ok {
			continue
		}
		if child.TriggeredBy == "" {
			child.TriggeredBy = d.ID
		}
		ids = append(ids, m.triggerRecursiveLocked(child, now)...)
	}
	return ids
}

// removeLocked marks d removed and returns the flush events describing its
// notification obligations, plus one per downtime transitively triggered by
// d that cascades to removal along with it. Must be called with m.mu held.
func (m *Manager) removeLocked(d *Downtime, now time.Time, cancelled bool) []overlayEvent {
	wasInEffect := d.InEffect(now)
	neverTriggered := d.TriggerTime.IsZero()
	d.Active = false
	d.RemoveTime = now
	d.WasCancelled = cancelled
	d.Checkable.RemoveDowntime(d.ID)
	delete(m.downtimes, d.ID)
	if set := m.byChecker[d.Checkable]; set != nil {
		delete(set, d.ID)
		if len(set) == 0 {
			delete(m.byChecker, d.Checkable)
		}
	}

	out := []overlayEvent{{kind: eventRemoved, downtime: d, wasInEffect: wasInEffect, neverTriggered: neverTriggered, wasCancelled: cancelled}}
	var children []*Downtime
	for _, candidate := range m.downtimes {
		if candidate.Active && candidate.TriggeredBy == d.ID {
			children = append(children, candidate)
		}
	}
	for _, child := range children {
		out = append(out, m.removeLocked(child, now, cancelled)...)
	}
	return out
}

// flushLoop performs every side effect that must not run while a
// Checkable's own lock is held: BeginSuppression/FireSuppressedNotifications
// and notification-request emission.
func (m *Manager) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ev := <-m.flush:
			m.handleFlush(ev)
		}
	}
}

func (m *Manager) handleFlush(ev overlayEvent) {
	d := ev.downtime
	switch ev.kind {
	case eventTriggered:
		d.Checkable.BeginSuppression(objects.NotificationProblem)
		m.bus.EmitDowntimeTriggered(d.ID)
		m.bus.EmitDowntimeStarted(d.ID)
		m.bus.EmitNotificationsRequested(events.NotificationRequest{
			Checkable: d.Checkable, Type: objects.NotificationDowntimeStart,
			Author: d.Author, Text: d.Comment, Origin: "downtime",
		})
	case eventRemoved:
		m.bus.EmitDowntimeRemoved(d.ID)
		if d.Checkable.DowntimeCount() == 0 && m.proc != nil {
			m.proc.FireSuppressedNotifications(d.Checkable, "downtime")
		}
		sendEnd := ev.wasInEffect
		if !d.Fixed {
			sendEnd = !ev.neverTriggered
		}
		if sendEnd {
			nt := objects.NotificationDowntimeEnd
			if ev.wasCancelled {
				nt = objects.NotificationDowntimeRemoved
			}
			m.bus.EmitNotificationsRequested(events.NotificationRequest{
				Checkable: d.Checkable, Type: nt,
				Author: d.Author, Text: d.Comment, Origin: "downtime",
			})
		}
		if d.CommentID != "" {
			d.Checkable.RemoveComment(d.CommentID)
			m.comments.Delete(d.CommentID)
		}
	}
}

// expireSweep cancels (removes) every active downtime whose window has
// closed, at least once a minute.
func (m *Manager) expireSweep(now time.Time) {
	m.mu.Lock()
	var pending []overlayEvent
	for _, d := range m.downtimes {
		if d.Active && d.Expired(now) {
			pending = append(pending, m.removeLocked(d, now, false)...)
		}
	}
	m.mu.Unlock()
	for _, ev := range pending {
		m.flush <- ev
	}
}

// fixedTriggerSweep activates fixed downtimes whose start has passed, at
// least every 5 seconds.
func (m *Manager) fixedTriggerSweep(now time.Time) {
	m.mu.Lock()
	var toFlush []*Downtime
	for _, d := range m.downtimes {
		if d.Active && d.Fixed && d.TriggerTime.IsZero() && !now.Before(d.StartTime) && !now.After(d.EndTime) {
			for _, id := range m.triggerRecursiveLocked(d, now) {
				toFlush = append(toFlush, m.downtimes[id])
			}
		}
	}
	m.mu.Unlock()
	for _, d := range toFlush {
		if d != nil {
			m.flush <- overlayEvent{kind: eventTriggered, downtime: d}
		}
	}
}

// Get looks up a downtime by ID.
func (m *Manager) Get(id string) (*Downtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.downtimes[id]
	return d, ok
}

// ForCheckable returns a snapshot of every downtime registered against c.
func (m *Manager) ForCheckable(c *objects.Checkable) []*Downtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Downtime, 0, len(m.byChecker[c]))
	for id := range m.byChecker[c] {
		out = append(out, m.downtimes[id])
	}
	return out
}

func (m *Manager) mustGet(id string) *Downtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.downtimes[id]
}
