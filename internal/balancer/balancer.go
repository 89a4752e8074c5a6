// Package balancer implements the two load-balance policies spec §4.4
// describes: round_robin and least_connected. A Policy only ever sees the
// healthy subset of a fleet.Set, recomputed on every call since health flips
// asynchronously between selections.
package balancer

import (
	"errors"

	"mcpebalancer/internal/fleet"
)

// ErrNoBackendAvailable is returned when a Policy is asked to select from an
// empty healthy set.
var ErrNoBackendAvailable = errors.New("balancer: no healthy backend available")

// Policy picks one backend out of a fleet.Set for a new session. A Policy
// must be safe for concurrent use, since the frontend calls Select from
// every datagram-read goroutine handling a first packet.
type Policy interface {
	Select(set *fleet.Set) (*fleet.Backend, error)
	Name() string
}

// New constructs the Policy named by name, grounded on the teacher's
// load_balancer.go strategy names. An unrecognized name is a configuration
// error the caller should surface at load time, not here.
func New(name string) (Policy, error) {
	switch name {
	case "round_robin":
		return NewRoundRobin(), nil
	case "least_connected":
		return NewLeastConnected(), nil
	default:
		return nil, errors.New("balancer: unknown policy " + name)
	}
}
