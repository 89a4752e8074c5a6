package balancer

import (
	"sync/atomic"

	"mcpebalancer/internal/fleet"
)

// RoundRobin cycles through the healthy set with an atomic cursor, the way
// the teacher's selectRoundRobin advanced its per-group index modulo
// len(nodes) — except here the cursor advances modulo the *healthy* count on
// every call, since a fixed index into the full backend list would drift out
// of sync the moment a backend's health flips.
type RoundRobin struct {
	cursor atomic.Uint64
}

// NewRoundRobin constructs a RoundRobin policy starting at index 0.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (p *RoundRobin) Name() string { return "round_robin" }

// Select returns the next healthy backend in sequence. The cursor always
// advances, even when the healthy set is empty, so a backend that recovers
// mid-sequence doesn't bias subsequent selections toward index 0.
func (p *RoundRobin) Select(set *fleet.Set) (*fleet.Backend, error) {
	healthy := set.Healthy()
	n := p.cursor.Add(1) - 1
	if len(healthy) == 0 {
		return nil, ErrNoBackendAvailable
	}
	return healthy[int(n%uint64(len(healthy)))], nil
}
