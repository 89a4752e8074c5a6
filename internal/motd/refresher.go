package motd

import (
	"context"
	"log/slog"
	"time"

	goraknet "github.com/sandertv/go-raknet"

	"mcpebalancer/internal/events"
	"mcpebalancer/internal/raknet"
)

// Refresher periodically pings a backend address using go-raknet's
// unconnected ping helper and stores the result in a Cache, in the proxy's
// own identity per Rewriter. Grounded on the teacher's startPongRefresh
// ticker loop, generalized so the address pinged is re-derived on every
// refresh rather than fixed at construction.
//
// SourceFunc resolves which address to ping. Spec §4.2 requires the MOTD
// source, when motd_source isn't pinned in config, to be "the first backend
// currently in state up, falling back in order if that one becomes down" —
// a decision that depends on live health and so can't be made once at
// startup; SourceFunc is called fresh every refresh.
type Refresher struct {
	SourceFunc func() (string, error)
	Interval   time.Duration
	Cache      *Cache
	Rewriter   Rewriter
	Bus        *events.Bus
	Log        *slog.Logger
}

// Run blocks, refreshing the cache every Interval until ctx is cancelled. It
// refreshes once immediately before entering the ticker loop. A value on
// trigger (e.g. a BackendUp/BackendDown transition) forces an out-of-cycle
// refresh, so a health flip updates the cached source without waiting out
// the rest of Interval; trigger may be nil.
func (r *Refresher) Run(ctx context.Context, trigger <-chan struct{}) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		case <-trigger:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	source, err := r.SourceFunc()
	if err != nil {
		r.Log.Warn("motd refresh: no source available", "error", err)
		return
	}

	pongData, err := goraknet.Ping(source)
	if err != nil {
		r.Log.Warn("motd refresh failed", "source", source, "error", err)
		return
	}

	m, err := raknet.DecodeMOTD(string(pongData))
	if err != nil {
		r.Log.Warn("motd refresh: malformed advertisement", "source", source, "error", err)
		return
	}

	rewritten := r.Rewriter.Rewrite(m)
	r.Cache.Store(Snapshot{MOTD: rewritten, Synthetic: false, UpdatedAt: time.Now()})

	if r.Bus != nil {
		r.Bus.Publish(events.Event{
			Kind: events.MotdRefreshed,
			At:   time.Now(),
			Data: events.MotdRefreshData{Synthetic: false},
		})
	}
}
