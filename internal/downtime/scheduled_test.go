package downtime

import (
	"testing"
	"time"
)

func mustParseRange(t *testing.T, spec string, d time.Duration) ScheduledRange {
	t.Helper()
	sched, err := cronParser.Parse(spec)
	if err != nil {
		t.Fatalf("parse %q: %v", spec, err)
	}
	return ScheduledRange{Spec: spec, Duration: d, schedule: sched}
}

func TestScheduledRangeCurrentSegment(t *testing.T) {
	// Every day at 22:00 for two hours.
	r := mustParseRange(t, "0 22 * * *", 2*time.Hour)

	during := time.Date(2026, 3, 5, 23, 0, 0, 0, time.UTC)
	seg, ok := r.currentSegment(during)
	if !ok {
		t.Fatalf("expected a running segment at %v", during)
	}
	wantStart := time.Date(2026, 3, 5, 22, 0, 0, 0, time.UTC)
	if !seg.start.Equal(wantStart) {
		t.Fatalf("segment start = %v, want %v", seg.start, wantStart)
	}

	outside := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	if _, ok := r.currentSegment(outside); ok {
		t.Fatalf("did not expect a running segment at %v", outside)
	}
}

func TestLongestRunningSegmentPicksLatestEnd(t *testing.T) {
	short := mustParseRange(t, "0 22 * * *", 30*time.Minute)
	long := mustParseRange(t, "0 22 * * *", 3*time.Hour)

	now := time.Date(2026, 3, 5, 23, 0, 0, 0, time.UTC)
	best, ok := longestRunningSegment([]ScheduledRange{short, long}, now)
	if !ok {
		t.Fatalf("expected a running segment")
	}
	wantEnd := time.Date(2026, 3, 6, 1, 0, 0, 0, time.UTC)
	if !best.end.Equal(wantEnd) {
		t.Fatalf("best.end = %v, want %v", best.end, wantEnd)
	}
}

func TestMaterializeSweepCreatesOwnedDowntime(t *testing.T) {
	m, _, _, mock := newTestManager(t)
	svc := newTestSvc()

	sd := &ScheduledDowntime{
		Name:      "nightly",
		Checkable: svc.Checkable,
		Author:    "materializer",
		Comment:   "nightly maintenance window",
		Fixed:     true,
		Ranges:    []ScheduledRange{{Spec: "0 0 * * *", Duration: time.Hour}},
	}
	if err := m.AddScheduledDowntime(sd); err != nil {
		t.Fatalf("AddScheduledDowntime: %v", err)
	}

	mock.Set(time.Date(2026, 3, 5, 0, 30, 0, 0, time.UTC))
	m.materializeSweep(mock.Now())
	drainFlush(m)

	downtimes := m.ForCheckable(svc.Checkable)
	if len(downtimes) != 1 {
		t.Fatalf("ForCheckable = %d downtimes, want 1", len(downtimes))
	}
	if downtimes[0].ConfigOwner != "nightly" {
		t.Fatalf("ConfigOwner = %q, want %q", downtimes[0].ConfigOwner, "nightly")
	}
}

func TestMaterializeSweepOnlyExtendsOnExactTouch(t *testing.T) {
	m, _, _, mock := newTestManager(t)
	svc := newTestSvc()

	sd := &ScheduledDowntime{
		Name:      "gapped",
		Checkable: svc.Checkable,
		Author:    "materializer",
		Comment:   "two non-contiguous windows",
		Fixed:     true,
		Ranges: []ScheduledRange{
			{Spec: "0 0 * * *", Duration: time.Hour},       // 00:00-01:00
			{Spec: "0 2 * * *", Duration: 30 * time.Minute}, // 02:00-02:30, gap after the first
		},
	}
	if err := m.AddScheduledDowntime(sd); err != nil {
		t.Fatalf("AddScheduledDowntime: %v", err)
	}

	mock.Set(time.Date(2026, 3, 5, 0, 30, 0, 0, time.UTC))
	m.materializeSweep(mock.Now())
	drainFlush(m)
	first := sd.childID

	mock.Set(time.Date(2026, 3, 5, 2, 15, 0, 0, time.UTC))
	m.materializeSweep(mock.Now())
	drainFlush(m)

	downtimes := m.ForCheckable(svc.Checkable)
	if len(downtimes) != 2 {
		t.Fatalf("a gapped segment should create a second owned downtime instead of extending, got %d", len(downtimes))
	}
	if sd.childID == first {
		t.Fatalf("childID should point at the new downtime after a non-contiguous segment")
	}
}

// A recurring business-hours window materializes exactly one owned
// downtime while running, loses it to the expire sweep once the window
// closes, and regains a fresh one when the next occurrence starts.
func TestMaterializeSweepAcrossOccurrences(t *testing.T) {
	m, _, _, mock := newTestManager(t)
	svc := newTestSvc()

	sd := &ScheduledDowntime{
		Name:      "business-hours",
		Checkable: svc.Checkable,
		Author:    "materializer",
		Comment:   "daily maintenance window",
		Fixed:     true,
		Ranges:    []ScheduledRange{{Spec: "0 9 * * *", Duration: 8 * time.Hour}},
	}
	if err := m.AddScheduledDowntime(sd); err != nil {
		t.Fatalf("AddScheduledDowntime: %v", err)
	}

	// Monday 12:00, mid-window.
	mock.Set(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	m.materializeSweep(mock.Now())
	drainFlush(m)

	downtimes := m.ForCheckable(svc.Checkable)
	if len(downtimes) != 1 {
		t.Fatalf("mid-window: %d downtimes, want 1", len(downtimes))
	}
	d := downtimes[0]
	if !d.InEffect(mock.Now()) {
		t.Fatalf("mid-window downtime not in effect: start=%v end=%v", d.StartTime, d.EndTime)
	}
	if d.StartTime.After(mock.Now()) || d.EndTime.Before(mock.Now()) {
		t.Fatalf("window does not bracket now: start=%v end=%v", d.StartTime, d.EndTime)
	}

	// 17:30, past the window's end: the expire sweep removes the child.
	mock.Set(time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC))
	m.materializeSweep(mock.Now())
	m.expireSweep(mock.Now())
	drainFlush(m)
	if n := len(m.ForCheckable(svc.Checkable)); n != 0 {
		t.Fatalf("after window closed: %d downtimes, want 0", n)
	}

	// Tuesday 08:59, before the next occurrence: nothing materializes yet.
	mock.Set(time.Date(2026, 3, 3, 8, 59, 0, 0, time.UTC))
	m.materializeSweep(mock.Now())
	drainFlush(m)
	if n := len(m.ForCheckable(svc.Checkable)); n != 0 {
		t.Fatalf("before next occurrence: %d downtimes, want 0", n)
	}

	// Tuesday 09:30: the next occurrence is running and materializes.
	mock.Set(time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC))
	m.materializeSweep(mock.Now())
	drainFlush(m)
	downtimes = m.ForCheckable(svc.Checkable)
	if len(downtimes) != 1 {
		t.Fatalf("next occurrence: %d downtimes, want 1", len(downtimes))
	}
	wantStart := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if !downtimes[0].StartTime.Equal(wantStart) {
		t.Fatalf("next occurrence start = %v, want %v", downtimes[0].StartTime, wantStart)
	}
}
