// Package dependency implements a typed, depth-bounded reachability graph
// over Checkables.
package dependency

import (
	"time"

	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/objects"
)

// maxParentDepth bounds the recursive parent walk.
const maxParentDepth = 20

// MaxTransitiveChildren bounds transitive-children enumeration used by the
// downtime cascade and the OnReachabilityChanged affected-children walk.
const MaxTransitiveChildren = 32

// IsReachable reports whether c is reachable with respect to dependency
// type t: every direct parent (via explicit Dependency edges of type t)
// must itself be reachable, the implicit service-to-host edge additionally
// requires the host be Up or only Soft-Down, and every explicit dependency
// of type t must currently be available (not blocking). A recursion
// overflow or dependency cycle treats c as unreachable and warns through
// log (which may be nil).
func IsReachable(log *zap.Logger, c *objects.Checkable, t objects.NotificationDependencyKind, now time.Time) bool {
	return reachable(log, c, t, now, 0, make(map[*objects.Checkable]bool))
}

func reachable(log *zap.Logger, c *objects.Checkable, t objects.NotificationDependencyKind, now time.Time, depth int, visiting map[*objects.Checkable]bool) bool {
	if depth > maxParentDepth {
		if log != nil {
			log.Warn("dependency: parent recursion depth exceeded, treating as unreachable",
				zap.String("checkable", c.Name), zap.Int("depth", depth))
		}
		return false
	}
	if visiting[c] {
		// A cyclic dependency graph is a misconfiguration; surface it
		// the same way as a recursion overflow instead of silently
		// pretending the chain resolves.
		if log != nil {
			log.Warn("dependency: dependency cycle detected, treating as unreachable",
				zap.String("checkable", c.Name))
		}
		return false
	}
	visiting[c] = true
	defer delete(visiting, c)

	for _, p := range c.Parents(t) {
		if !reachable(log, p, t, now, depth+1, visiting) {
			return false
		}
	}

	if host, ok := serviceHostGate(c, t); ok {
		host.Lock()
		state := host.StateRaw
		stateType := host.StateType
		host.Unlock()
		// Open-question resolution: a Service stays reachable while
		// its Host's Down is still Soft; only Hard-Down blocks it.
		if state != objects.HostUp && stateType == objects.StateTypeHard {
			return false
		}
	}

	for _, d := range c.Dependencies(t) {
		if d.Blocks(now) {
			return false
		}
	}
	return true
}

// serviceHostGate returns the owning host's Checkable when c is a Service
// and t is one of {State, Notification} — the two dependency types that
// gate reachability on the parent host's own state, in addition to any
// explicit dependency edges.
func serviceHostGate(c *objects.Checkable, t objects.NotificationDependencyKind) (*objects.Checkable, bool) {
	if c.Kind != objects.KindService || c.Owner == nil {
		return nil, false
	}
	if t != objects.DepState && t != objects.DepNotification {
		return nil, false
	}
	return c.Owner, true
}

// TransitiveChildren enumerates up to MaxTransitiveChildren descendants of c
// along edges of type t, breadth-first, for use by the downtime cascade and
// the affected-children computation behind OnReachabilityChanged.
func TransitiveChildren(c *objects.Checkable, t objects.NotificationDependencyKind) []*objects.Checkable {
	seen := map[*objects.Checkable]bool{c: true}
	queue := []*objects.Checkable{c}
	var out []*objects.Checkable
	for len(queue) > 0 && len(out) < MaxTransitiveChildren {
		cur := queue[0]
		queue = queue[1:]
		for _, ch := range cur.Children(t) {
			if seen[ch] {
				continue
			}
			seen[ch] = true
			out = append(out, ch)
			if len(out) >= MaxTransitiveChildren {
				break
			}
			queue = append(queue, ch)
		}
	}
	return out
}
