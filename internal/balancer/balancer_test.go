package balancer

import (
	"net"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"mcpebalancer/internal/fleet"
)

func backends(t *testing.T, ids ...string) []*fleet.Backend {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:19132")
	require.NoError(t, err)
	out := make([]*fleet.Backend, len(ids))
	for i, id := range ids {
		b := fleet.NewBackend(id, addr)
		b.SetHealth(fleet.Up)
		out[i] = b
	}
	return out
}

func TestNewUnknownPolicy(t *testing.T) {
	_, err := New("fastest-ping")
	require.Error(t, err)
}

func TestNewKnownPolicies(t *testing.T) {
	p, err := New("round_robin")
	require.NoError(t, err)
	require.Equal(t, "round_robin", p.Name())

	p, err = New("least_connected")
	require.NoError(t, err)
	require.Equal(t, "least_connected", p.Name())
}

func TestRoundRobinCycles(t *testing.T) {
	bs := backends(t, "a", "b", "c")
	set := fleet.NewSet(1, bs)
	p := NewRoundRobin()

	var got []string
	for i := 0; i < 6; i++ {
		b, err := p.Select(set)
		require.NoError(t, err)
		got = append(got, b.ID)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestRoundRobinNoBackends(t *testing.T) {
	set := fleet.NewSet(1, nil)
	_, err := NewRoundRobin().Select(set)
	require.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	bs := backends(t, "a", "b", "c")
	bs[1].SetHealth(fleet.Down)
	set := fleet.NewSet(1, bs)
	p := NewRoundRobin()

	b1, err := p.Select(set)
	require.NoError(t, err)
	b2, err := p.Select(set)
	require.NoError(t, err)
	require.Equal(t, "a", b1.ID)
	require.Equal(t, "c", b2.ID)
}

func TestLeastConnectedPicksFewest(t *testing.T) {
	bs := backends(t, "a", "b", "c")
	bs[0].IncSessionCount()
	bs[0].IncSessionCount()
	bs[2].IncSessionCount()
	set := fleet.NewSet(1, bs)

	b, err := NewLeastConnected().Select(set)
	require.NoError(t, err)
	require.Equal(t, "b", b.ID)
}

func TestLeastConnectedTieBreaksByID(t *testing.T) {
	bs := backends(t, "z", "a", "m")
	set := fleet.NewSet(1, bs)

	b, err := NewLeastConnected().Select(set)
	require.NoError(t, err)
	require.Equal(t, "a", b.ID)
}

func TestLeastConnectedNoBackends(t *testing.T) {
	set := fleet.NewSet(1, nil)
	_, err := NewLeastConnected().Select(set)
	require.ErrorIs(t, err, ErrNoBackendAvailable)
}

// **Property: round-robin visits every healthy backend within |healthy|
// selections.** *For any* non-empty count of healthy backends, selecting
// that many times in a row from a single RoundRobin policy SHALL cover every
// backend's ID at least once — no backend starves within one full cycle,
// regardless of how many cycles ran before on that same policy instance.
func TestProperty_RoundRobinVisitsEveryHealthyBackendWithinOneCycle(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every healthy backend is selected at least once per |healthy| selections", prop.ForAll(
		func(n, priorSelections int) bool {
			ids := make([]string, n)
			for i := range ids {
				ids[i] = string(rune('a' + i))
			}
			set := fleet.NewSet(1, backendsForTest(ids))
			p := NewRoundRobin()

			// Advance the cursor an arbitrary number of selections first, so
			// the property holds regardless of where in the cycle a fresh
			// window of |healthy| selections starts.
			for i := 0; i < priorSelections; i++ {
				if _, err := p.Select(set); err != nil {
					return false
				}
			}

			seen := make(map[string]bool, n)
			for i := 0; i < n; i++ {
				b, err := p.Select(set)
				if err != nil {
					return false
				}
				seen[b.ID] = true
			}
			return len(seen) == n
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

func backendsForTest(ids []string) []*fleet.Backend {
	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:19132")
	out := make([]*fleet.Backend, len(ids))
	for i, id := range ids {
		b := fleet.NewBackend(id, addr)
		b.SetHealth(fleet.Up)
		out[i] = b
	}
	return out
}
