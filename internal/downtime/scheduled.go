package downtime

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/objects"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maxSegmentLookback bounds how far back the materializer searches for the
// most recent activation of a range's cron schedule; a week plus change
// comfortably covers any weekly recurrence.
const maxSegmentLookback = 8 * 24 * time.Hour

// ScheduledRange is one recurring segment of a ScheduledDowntime: Spec is a
// standard five-field cron expression describing when the segment starts,
// and Duration is how long it runs.
type ScheduledRange struct {
	Spec     string
	Duration time.Duration

	schedule cron.Schedule
}

// ScheduledDowntime is the config-level definition the materializer
// expands into concrete owned Downtime instances.
type ScheduledDowntime struct {
	Name      string
	Checkable *objects.Checkable
	Author    string
	Comment   string
	Fixed     bool
	Ranges    []ScheduledRange

	childID string // currently-owned Downtime, if any
}

// AddScheduledDowntime registers sd's ranges, parsing each cron spec once
// up front so the materializer sweep never has to.
func (m *Manager) AddScheduledDowntime(sd *ScheduledDowntime) error {
	for i, r := range sd.Ranges {
		sched, err := cronParser.Parse(r.Spec)
		if err != nil {
			return err
		}
		sd.Ranges[i].schedule = sched
	}
	m.schedMu.Lock()
	m.scheduled[sd.Name] = sd
	m.schedMu.Unlock()
	return nil
}

// RemoveScheduledDowntime unregisters sd by name. Its currently-owned
// Downtime, if any, is left to expire naturally rather than being torn
// down immediately.
func (m *Manager) RemoveScheduledDowntime(name string) {
	m.schedMu.Lock()
	delete(m.scheduled, name)
	m.schedMu.Unlock()
}

// segment is one occurrence of a ScheduledRange, resolved against a
// concrete point in time.
type segment struct {
	start time.Time
	end   time.Time
}

// currentSegment returns the range's occurrence covering now, if any: the
// most recent activation at or before now whose end (start+duration) is
// still after now.
func (r *ScheduledRange) currentSegment(now time.Time) (segment, bool) {
	if r.schedule == nil {
		return segment{}, false
	}
	var last time.Time
	for t := now.Add(-maxSegmentLookback); ; {
		next := r.schedule.Next(t)
		if next.IsZero() || next.After(now) {
			break
		}
		last = next
		t = next
	}
	if last.IsZero() {
		return segment{}, false
	}
	end := last.Add(r.Duration)
	if end.Before(now) {
		return segment{}, false
	}
	return segment{start: last, end: end}, true
}

// materializeSweep runs every 60s: for each ScheduledDowntime, it finds the
// longest currently-running segment across its ranges and either extends
// an existing owned downtime that segment is contiguous with, or creates a
// new owned downtime, provided no owned child is already planned for the
// future.
func (m *Manager) materializeSweep(now time.Time) {
	m.schedMu.Lock()
	sds := make([]*ScheduledDowntime, 0, len(m.scheduled))
	for _, sd := range m.scheduled {
		sds = append(sds, sd)
	}
	m.schedMu.Unlock()

	for _, sd := range sds {
		m.materializeOne(sd, now)
	}
}

func (m *Manager) materializeOne(sd *ScheduledDowntime, now time.Time) {
	best, ok := longestRunningSegment(sd.Ranges, now)
	if !ok {
		return
	}

	m.mu.RLock()
	child := m.downtimes[sd.childID]
	m.mu.RUnlock()

	if child != nil && child.Active {
		if !best.end.After(child.EndTime) {
			return // nothing new to extend with
		}
		if best.start.Equal(child.EndTime) {
			// Touches the existing child exactly: extend it in place.
			m.mu.Lock()
			child.EndTime = best.end
			m.mu.Unlock()
			return
		}
		// Child still has a future segment planned; don't create another.
		if !child.Expired(now) {
			return
		}
	}

	duration := best.end.Sub(best.start)
	d, err := m.ScheduleDowntime(sd.Checkable, sd.Author, sd.Comment, best.start, best.end, sd.Fixed, duration, nil, sd.Name)
	if err != nil {
		if m.log != nil {
			m.log.Warn("downtime: materializer failed to schedule", zap.String("scheduled_downtime", sd.Name), zap.Error(err))
		}
		return
	}
	m.schedMu.Lock()
	sd.childID = d.ID
	m.schedMu.Unlock()
}

// longestRunningSegment returns the currently-running segment with the
// latest end across every range, if any range is currently running.
func longestRunningSegment(ranges []ScheduledRange, now time.Time) (segment, bool) {
	var best segment
	found := false
	for i := range ranges {
		seg, ok := ranges[i].currentSegment(now)
		if !ok {
			continue
		}
		if !found || seg.end.After(best.end) {
			best = seg
			found = true
		}
	}
	return best, found
}
