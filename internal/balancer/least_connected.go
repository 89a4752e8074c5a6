package balancer

import "mcpebalancer/internal/fleet"

// LeastConnected selects the healthy backend with the fewest live sessions,
// the way the teacher's selectLeastConnections argmin'd GetConnCount(). Ties
// break on backend ID so the choice is deterministic rather than depending on
// map/slice iteration order.
type LeastConnected struct{}

// NewLeastConnected constructs a LeastConnected policy. It carries no state:
// session counts live on the backends themselves.
func NewLeastConnected() *LeastConnected { return &LeastConnected{} }

func (p *LeastConnected) Name() string { return "least_connected" }

func (p *LeastConnected) Select(set *fleet.Set) (*fleet.Backend, error) {
	healthy := set.Healthy()
	if len(healthy) == 0 {
		return nil, ErrNoBackendAvailable
	}
	best := healthy[0]
	for _, b := range healthy[1:] {
		c := b.SessionCount()
		bc := best.SessionCount()
		if c < bc || (c == bc && b.ID < best.ID) {
			best = b
		}
	}
	return best, nil
}
