package objects

import (
	"fmt"
	"sync"
)

// Store is the process-wide, name-indexed registry of hosts and services.
// Commands, timeperiods, and contacts are resolved externally and injected
// as interfaces (CheckPeriod, CheckCommand) rather than stored here.
type Store struct {
	mu       sync.RWMutex
	hosts    map[string]*Host
	services map[string]*Service // keyed by "host!short_name"
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{
		hosts:    make(map[string]*Host),
		services: make(map[string]*Service),
	}
}

// AddHost registers h, erroring if a host with the same name already exists.
func (s *Store) AddHost(h *Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.hosts[h.Name]; exists {
		return fmt.Errorf("objects: duplicate host %q", h.Name)
	}
	s.hosts[h.Name] = h
	return nil
}

// AddService registers svc under its host, erroring if the host is unknown
// or the service already exists.
func (s *Store) AddService(svc *Service) error {
	s.mu.Lock()
	if svc.HostRef == nil {
		s.mu.Unlock()
		return fmt.Errorf("objects: service %q has no host", svc.Name)
	}
	host, ok := s.hosts[svc.HostRef.Name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("objects: service %q references unknown host %q", svc.Name, svc.HostRef.Name)
	}
	if _, exists := s.services[svc.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("objects: duplicate service %q", svc.Name)
	}
	s.services[svc.Name] = svc
	s.mu.Unlock()
	host.AddService(svc)
	return nil
}

// Host looks up a host by name.
func (s *Store) Host(name string) (*Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[name]
	return h, ok
}

// Service looks up a service by its fully-qualified "host!short_name" name.
func (s *Store) Service(name string) (*Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[name]
	return svc, ok
}

// AllHosts returns a snapshot slice of every registered host.
func (s *Store) AllHosts() []*Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	return out
}

// AllServices returns a snapshot slice of every registered service.
func (s *Store) AllServices() []*Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	return out
}

// AllCheckables returns every host and service as *Checkable, for code that
// iterates without caring about Kind (e.g. the scheduler, downtime sweeps).
func (s *Store) AllCheckables() []*Checkable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkable, 0, len(s.hosts)+len(s.services))
	for _, h := range s.hosts {
		out = append(out, h.Checkable)
	}
	for _, svc := range s.services {
		out = append(out, svc.Checkable)
	}
	return out
}

// RemoveService unregisters a service from both the store and its host.
func (s *Store) RemoveService(name string) {
	s.mu.Lock()
	svc, ok := s.services[name]
	if ok {
		delete(s.services, name)
	}
	s.mu.Unlock()
	if ok && svc.HostRef != nil {
		svc.HostRef.svcMu.Lock()
		delete(svc.HostRef.Services, svc.ShortName)
		svc.HostRef.svcMu.Unlock()
	}
}

// RemoveHost unregisters a host and every service it owns.
func (s *Store) RemoveHost(name string) {
	s.mu.Lock()
	h, ok := s.hosts[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.hosts, name)
	for _, svc := range h.AllServices() {
		delete(s.services, svc.Name)
	}
	s.mu.Unlock()
}
