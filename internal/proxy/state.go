package proxy

import (
	"sort"
	"time"
)

// PIDs are the helper processes serving one proxy port.
type PIDs struct {
	Client int `json:"client"`
	Proxy  int `json:"proxy"`
}

// State is the persisted proxy table shared by every process.
type State struct {
	SlugToPort map[string]int `json:"slugToPort"`
	PortToSlug map[int]string `json:"portToSlug"`
	PortToNs   map[int]string `json:"portToNs"`
	LastUsed   map[int]int64  `json:"lastUsed"`
	PIDs       map[int]PIDs   `json:"pids"`
}

// RandomState is the current answer to a random request.
type RandomState struct {
	Slug      string `json:"slug"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the selection must rotate at now.
func (r RandomState) Expired(now time.Time) bool {
	return now.Unix() >= r.ExpiresAt
}

func newState() State {
	return State{
		SlugToPort: map[string]int{},
		PortToSlug: map[int]string{},
		PortToNs:   map[int]string{},
		LastUsed:   map[int]int64{},
		PIDs:       map[int]PIDs{},
	}
}

func (s *State) bind(slug string, port int, namespace string, now time.Time, pids PIDs) {
	s.SlugToPort[slug] = port
	s.PortToSlug[port] = slug
	s.PortToNs[port] = namespace
	s.LastUsed[port] = now.Unix()
	s.PIDs[port] = pids
}

func (s *State) unbind(port int) {
	if slug, ok := s.PortToSlug[port]; ok && s.SlugToPort[slug] == port {
		delete(s.SlugToPort, slug)
	}
	delete(s.PortToSlug, port)
	delete(s.PortToNs, port)
	delete(s.LastUsed, port)
	delete(s.PIDs, port)
}

// ports returns the bound ports in ascending order.
func (s *State) ports() []int {
	ports := make([]int, 0, len(s.PortToSlug))
	for port := range s.PortToSlug {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// normalize drops every port that is missing from one of the port-keyed maps or
// whose slug mapping is not an exact inverse, and returns the dropped ports.
func (s *State) normalize() []int {
	if s.SlugToPort == nil {
		s.SlugToPort = map[string]int{}
	}
	if s.PortToSlug == nil {
		s.PortToSlug = map[int]string{}
	}
	if s.PortToNs == nil {
		s.PortToNs = map[int]string{}
	}
	if s.LastUsed == nil {
		s.LastUsed = map[int]int64{}
	}
	if s.PIDs == nil {
		s.PIDs = map[int]PIDs{}
	}

	candidates := map[int]bool{}
	for port := range s.PortToSlug {
		candidates[port] = true
	}
	for port := range s.PortToNs {
		candidates[port] = true
	}
	for port := range s.LastUsed {
		candidates[port] = true
	}
	for port := range s.PIDs {
		candidates[port] = true
	}

	var dropped []int
	for port := range candidates {
		slug, hasSlug := s.PortToSlug[port]
		_, hasNs := s.PortToNs[port]
		_, hasUsed := s.LastUsed[port]
		_, hasPIDs := s.PIDs[port]
		if hasSlug && hasNs && hasUsed && hasPIDs && slug != "" && s.SlugToPort[slug] == port {
			continue
		}
		delete(s.PortToSlug, port)
		delete(s.PortToNs, port)
		delete(s.LastUsed, port)
		delete(s.PIDs, port)
		dropped = append(dropped, port)
	}
	for slug, port := range s.SlugToPort {
		if s.PortToSlug[port] != slug {
			delete(s.SlugToPort, slug)
		}
	}
	sort.Ints(dropped)
	return dropped
}
