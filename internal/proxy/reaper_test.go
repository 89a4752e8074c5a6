package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"mcpebalancer/internal/fleet"
	"mcpebalancer/internal/metrics"
	"mcpebalancer/internal/session"
)

func TestReaperReportsActiveSessionCountToMetrics(t *testing.T) {
	table := session.NewTable(nil)
	b := fleet.NewBackend("a", mustResolveUDP(t, "127.0.0.1:19132"))
	_, _, err := table.GetOrCreate(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}, b, func() (*net.UDPConn, error) {
		return net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	})
	require.NoError(t, err)

	coll := metrics.New()
	r := &Reaper{Sessions: table, MaxIdle: time.Hour, Interval: 5 * time.Millisecond, Metrics: coll}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(coll.sessionsActive) == 1
	}, time.Second, 10*time.Millisecond)
}

func mustResolveUDP(t *testing.T, addr string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	return a
}
