package fleet

// Set is an immutable, generation-tagged collection of backends. Reload
// (spec §4.7) builds a new Set and swaps it into the controller's atomic
// pointer whole; existing sessions keep a reference to the Backend they were
// assigned, so a Backend dropped from a newer Set simply stops receiving new
// sessions and drains naturally.
type Set struct {
	Generation uint64
	Backends   []*Backend
	byID       map[string]*Backend
}

// NewSet builds a Set from an ordered backend list, stamping it with
// generation.
func NewSet(generation uint64, backends []*Backend) *Set {
	byID := make(map[string]*Backend, len(backends))
	for _, b := range backends {
		byID[b.ID] = b
	}
	return &Set{Generation: generation, Backends: backends, byID: byID}
}

// Lookup returns the backend with the given ID, if present in this Set.
func (s *Set) Lookup(id string) (*Backend, bool) {
	if s == nil {
		return nil, false
	}
	b, ok := s.byID[id]
	return b, ok
}

// Healthy returns the subset of backends currently in the Up state, in the
// same relative order as Backends. Policies (internal/balancer) call this on
// every selection rather than caching it, since health flips asynchronously.
func (s *Set) Healthy() []*Backend {
	if s == nil {
		return nil
	}
	out := make([]*Backend, 0, len(s.Backends))
	for _, b := range s.Backends {
		if b.Health() == Up {
			out = append(out, b)
		}
	}
	return out
}
