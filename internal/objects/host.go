package objects

import (
	"math/rand"
	"sync"
)

// Host owns a set of Services keyed by short name. A Host has no plugin
// check of its own in the steady state — its state is always derived from
// the states of its owned services via DeriveHostState.
type Host struct {
	*Checkable

	svcMu    sync.RWMutex
	Services map[string]*Service

	DisplayName string
	Address     string
}

// NewHost constructs an empty Host. Its Checkable check interval is
// informational only: hosts are not actively scheduled under the
// service-derived state model, but the field is retained because a Host
// may still carry an EventHandler or be the subject of downtime/ack.
func NewHost(name string, rng *rand.Rand) *Host {
	return &Host{
		Checkable: NewCheckable(KindHost, name, 0, rng),
		Services:  make(map[string]*Service),
	}
}

// AddService registers a Service under this host, wiring the implicit
// host-owns-service dependency edge used by DeriveHostState and by the
// reachability graph.
func (h *Host) AddService(s *Service) {
	h.svcMu.Lock()
	h.Services[s.ShortName] = s
	h.svcMu.Unlock()
	s.HostRef = h
	s.Checkable.Owner = h.Checkable
}

// Service looks up an owned service by short name.
func (h *Host) Service(shortName string) (*Service, bool) {
	h.svcMu.RLock()
	defer h.svcMu.RUnlock()
	s, ok := h.Services[shortName]
	return s, ok
}

// AllServices returns a snapshot slice of every owned service.
func (h *Host) AllServices() []*Service {
	h.svcMu.RLock()
	defer h.svcMu.RUnlock()
	out := make([]*Service, 0, len(h.Services))
	for _, s := range h.Services {
		out = append(out, s)
	}
	return out
}

// DeriveHostState computes a Host's state from its owned services, per spec
// §3.1: if every service is OK or Warning, the host is Up; any service in
// Critical or Unknown makes the host Down. A host with no services is Up.
func DeriveHostState(h *Host) int {
	for _, s := range h.AllServices() {
		s.Lock()
		state := s.StateRaw
		s.Unlock()
		if state == ServiceCritical || state == ServiceUnknown {
			return HostDown
		}
	}
	return HostUp
}
