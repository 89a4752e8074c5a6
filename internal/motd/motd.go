// Package motd caches the advertisement snapshot the frontend replies with
// for Unconnected Ping, and rewrites the proxy's own identity into it. It is
// grounded on the teacher's raknet_proxy.go cachedPong/updatePongData
// refresh loop, generalized to the read-mostly single-writer cell spec §5
// requires: readers never take a lock, the refresher swaps a pointer.
package motd

import (
	"sync/atomic"
	"time"

	"mcpebalancer/internal/raknet"
)

// Snapshot is the cached MOTD state plus the bookkeeping the rewriter and
// callers need beyond the wire fields themselves.
type Snapshot struct {
	MOTD      raknet.MOTD
	Synthetic bool // true if no live backend has ever answered a probe ping
	UpdatedAt time.Time
}

// Cache holds the current Snapshot behind an atomic pointer. One goroutine
// (the Controller's motd refresher) calls Store; any number of frontend
// goroutines call Load concurrently on every Unconnected Ping.
type Cache struct {
	v atomic.Pointer[Snapshot]
}

// NewCache constructs a Cache pre-populated with a synthetic offline
// snapshot, so the frontend always has something to answer with even before
// the first successful probe.
func NewCache(offlineLine1 string, maxPlayers int) *Cache {
	c := &Cache{}
	c.Store(Snapshot{
		Synthetic: true,
		MOTD: raknet.MOTD{
			Edition:      "MCPE",
			Line1:        offlineLine1,
			Version:      "0.0.0",
			MaxPlayers:   maxPlayers,
			GamemodeName: "Survival",
		},
		UpdatedAt: time.Time{},
	})
	return c
}

// Load returns the current Snapshot. Safe for concurrent use, lock-free.
func (c *Cache) Load() Snapshot {
	if s := c.v.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// Store replaces the cached Snapshot.
func (c *Cache) Store(s Snapshot) {
	c.v.Store(&s)
}

// Rewriter overrides the identity fields of an upstream MOTD with the
// proxy's own, per spec §4.2: server_guid, port_v4, and port_v6 are the
// proxy's, not the backend's, while line1/line2/gamemode/player counts pass
// through untouched so clients see the real server's advertised state.
type Rewriter struct {
	ServerGUID uint64
	PortV4     int
	PortV6     int
}

// Rewrite returns m with the proxy's identity fields substituted in.
func (r Rewriter) Rewrite(m raknet.MOTD) raknet.MOTD {
	m.ServerGUID = r.ServerGUID
	m.PortV4 = r.PortV4
	m.PortV6 = r.PortV6
	return m
}
