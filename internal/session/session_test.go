package session

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcpebalancer/internal/fleet"
)

func testBackend(t *testing.T, id string) *fleet.Backend {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:19132")
	require.NoError(t, err)
	return fleet.NewBackend(id, addr)
}

func testUpstream(t *testing.T) func() (*net.UDPConn, error) {
	t.Helper()
	return func() (*net.UDPConn, error) {
		return net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	}
}

func TestGetOrCreateCreatesOnce(t *testing.T) {
	table := NewTable(nil)
	b := testBackend(t, "a")
	client := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}

	s1, created1, err := table.GetOrCreate(client, b, testUpstream(t))
	require.NoError(t, err)
	require.True(t, created1)

	s2, created2, err := table.GetOrCreate(client, b, testUpstream(t))
	require.NoError(t, err)
	require.False(t, created2)
	require.Same(t, s1, s2)

	require.EqualValues(t, 1, b.SessionCount())
	require.Equal(t, 1, table.Count())
}

func TestRemoveClosesUpstreamAndDecrementsCount(t *testing.T) {
	var closedReason string
	table := NewTable(func(s *Session, reason string) { closedReason = reason })
	b := testBackend(t, "a")
	client := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5001}

	s, _, err := table.GetOrCreate(client, b, testUpstream(t))
	require.NoError(t, err)

	table.Remove(client.String(), "client_closed")
	require.Equal(t, "client_closed", closedReason)
	require.EqualValues(t, 0, b.SessionCount())
	require.Equal(t, 0, table.Count())

	_, ok := table.Get(client.String())
	require.False(t, ok)

	// Upstream socket should be closed; a second write should fail.
	_, err = s.Upstream.Write([]byte("x"))
	require.Error(t, err)
}

func TestRemoveIsIdempotent(t *testing.T) {
	calls := 0
	table := NewTable(func(s *Session, reason string) { calls++ })
	b := testBackend(t, "a")
	client := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 5002}

	_, _, err := table.GetOrCreate(client, b, testUpstream(t))
	require.NoError(t, err)

	table.Remove(client.String(), "a")
	table.Remove(client.String(), "a")
	require.Equal(t, 1, calls)
}

func TestReapIdleRemovesOnlyStaleSessions(t *testing.T) {
	table := NewTable(nil)
	b := testBackend(t, "a")

	fresh := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 4), Port: 1}
	stale := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 2}

	_, _, err := table.GetOrCreate(fresh, b, testUpstream(t))
	require.NoError(t, err)
	s, _, err := table.GetOrCreate(stale, b, testUpstream(t))
	require.NoError(t, err)
	s.lastActivity = time.Now().Add(-time.Hour)

	n := table.ReapIdle(time.Now(), 30*time.Second)
	require.Equal(t, 1, n)
	require.Equal(t, 1, table.Count())

	_, ok := table.Get(fresh.String())
	require.True(t, ok)
	_, ok = table.Get(stale.String())
	require.False(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	table := NewTable(nil)
	b := testBackend(t, "backend-1")
	client := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 6), Port: 7}

	_, _, err := table.GetOrCreate(client, b, testUpstream(t))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, table.WriteSnapshot(&buf))

	entries, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "backend-1", entries[0].BackendID)
	require.Equal(t, client.String(), entries[0].ClientAddr)
}

func TestSnapshotDoesNotMutateTable(t *testing.T) {
	entries, err := ReadSnapshot(bytes.NewBufferString(`{"client_addr":"1.2.3.4:5","backend_id":"b","created_at":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// A freshly constructed table has no knowledge of the entries above;
	// ReadSnapshot takes no *Table argument, which is the point.
	table := NewTable(nil)
	require.Equal(t, 0, table.Count())
}
