package objects

import "time"

// Dependency is an explicit dependency edge between two checkables, in
// addition to (not instead of) the implicit host-to-service ownership
// edge. A Dependency applies only while the current wall-clock time
// falls inside Period, and only when the parent's state is one of
// FailureStates.
type Dependency struct {
	Parent        *Checkable
	Child         *Checkable
	Type          NotificationDependencyKind
	FailureStates []int // parent states, in the parent's own state space, that break this edge
	Period        CheckPeriod
}

// Blocks reports whether this dependency currently blocks its child: the
// parent is in one of FailureStates and now falls inside Period (a nil
// Period always applies).
func (d *Dependency) Blocks(now time.Time) bool {
	if d.Period != nil && !d.Period.Contains(now) {
		return false
	}
	d.Parent.Lock()
	state := d.Parent.StateRaw
	d.Parent.Unlock()
	for _, fs := range d.FailureStates {
		if state == fs {
			return true
		}
	}
	return false
}
