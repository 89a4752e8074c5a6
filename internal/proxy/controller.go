// Package proxy wires the data-plane frontend and fleet controller together:
// the parts of the system spec §4.6 and §4.7 describe. Grounded on the
// teacher's ProxyServer (internal/proxy/proxy.go) for the overall
// Start/Stop/Reload shape, with its protocol-specific listener switch
// replaced by the single RakNet-aware UDP frontend this proxy always runs.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mcpebalancer/internal/balancer"
	"mcpebalancer/internal/config"
	"mcpebalancer/internal/events"
	"mcpebalancer/internal/fleet"
	"mcpebalancer/internal/health"
	"mcpebalancer/internal/metrics"
	"mcpebalancer/internal/motd"
)

// drainSweepInterval is how often the controller checks whether a draining
// backend's last session has finally closed.
const drainSweepInterval = time.Second

// Controller owns the fleet's current generation, the health prober, the
// active load-balance policy, and the MOTD cache/refresher. Reload swaps
// the whole backend set atomically per spec §4.7: existing sessions keep
// routing to backends dropped from a new generation until they drain
// naturally, rather than being forcibly evicted. Their health/session
// metrics stay observable for the rest of that drain too (the draining map
// below), instead of disappearing the instant a reload drops them.
type Controller struct {
	Log     *slog.Logger
	Bus     *events.Bus
	Metrics *metrics.Collector
	Prober  *health.Prober
	MOTD    *motd.Cache

	set        atomic.Pointer[fleet.Set]
	policyMu   sync.RWMutex
	policy     balancer.Policy
	generation atomic.Uint64

	drainingMu sync.Mutex
	draining   map[string]*fleet.Backend
	drainStop  context.CancelFunc

	motdRefresher   *motd.Refresher
	motdRefreshStop context.CancelFunc
}

// NewController constructs an unstarted Controller. Call Reload once with
// the initial configuration before serving traffic.
func NewController(log *slog.Logger, bus *events.Bus, coll *metrics.Collector) *Controller {
	c := &Controller{
		Log:      log,
		Bus:      bus,
		Metrics:  coll,
		MOTD:     motd.NewCache("A proxied server", 0),
		draining: make(map[string]*fleet.Backend),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.drainStop = cancel
	go c.runDrainSweep(ctx)

	return c
}

// CurrentSet returns the fleet.Set currently in effect.
func (c *Controller) CurrentSet() *fleet.Set {
	return c.set.Load()
}

// Policy returns the load-balance policy currently in effect.
func (c *Controller) Policy() balancer.Policy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policy
}

// Select chooses a backend for a new session using the current policy and
// fleet set.
func (c *Controller) Select() (*fleet.Backend, error) {
	set := c.CurrentSet()
	if set == nil {
		return nil, ErrNoBackendAvailable
	}
	b, err := c.Policy().Select(set)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBackendAvailable, err)
	}
	return b, nil
}

// Reload builds a new generation's backend set and policy from cfg, starts
// probing any newly added backend, stops probing any backend that's gone,
// and swaps in the new Set (one atomic pointer store) and Policy (under
// policyMu). A backend present in both the old and new config keeps its
// *same* Backend object (and thus its health state and session count)
// across the reload, with only its Addr overwritten from cfg,
// matching spec §4.7's "no forced eviction, no health flap on reload"
// invariant.
func (c *Controller) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	policy, err := balancer.New(cfg.LoadBalanceMethod)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	prev := c.CurrentSet()
	prevByID := map[string]*fleet.Backend{}
	if prev != nil {
		for _, b := range prev.Backends {
			prevByID[b.ID] = b
		}
	}

	next := make([]*fleet.Backend, 0, len(cfg.Backend.Servers))
	seen := make(map[string]bool, len(cfg.Backend.Servers))
	for _, bc := range cfg.Backend.Servers {
		addr, err := net.ResolveUDPAddr("udp", bc.Address)
		if err != nil {
			return fmt.Errorf("%w: backend %q: %v", ErrConfigInvalid, bc.ID, err)
		}
		b, ok := prevByID[bc.ID]
		if !ok {
			// A backend dropped in a previous reload can come back before
			// it finished draining; reclaim its live object instead of
			// losing its in-flight session/health state.
			c.drainingMu.Lock()
			if drained, ok := c.draining[bc.ID]; ok {
				b = drained
				delete(c.draining, bc.ID)
			}
			c.drainingMu.Unlock()
		}
		if b == nil {
			b = fleet.NewBackend(bc.ID, addr)
		} else {
			b.Addr = addr
		}
		next = append(next, b)
		seen[bc.ID] = true
		if c.Prober != nil {
			c.Prober.Watch(b)
		}
	}

	c.dropRemovedBackends(prevByID, seen)

	gen := c.generation.Add(1)
	c.set.Store(fleet.NewSet(gen, next))

	c.policyMu.Lock()
	c.policy = policy
	c.policyMu.Unlock()

	if c.Bus != nil {
		c.Bus.Publish(events.Event{
			Kind: events.ReloadComplete,
			At:   time.Now(),
			Data: events.ReloadData{Generation: gen, BackendCount: len(next)},
		})
	}
	if c.Log != nil {
		c.Log.Info("reload complete", "generation", gen, "backends", len(next), "policy", cfg.LoadBalanceMethod)
	}

	c.restartMotdRefresher(cfg)
	return nil
}

// dropRemovedBackends stops probing every backend no longer present in the
// new generation. A removed backend with live sessions isn't dropped from
// metrics immediately: spec §4.7 lets existing sessions keep routing to it
// until they drain naturally, so its health/session series stay visible
// (the draining map) until runDrainSweep observes SessionCount() reach
// zero. A removed backend with nothing left to drain is dropped right away.
func (c *Controller) dropRemovedBackends(prevByID map[string]*fleet.Backend, seen map[string]bool) {
	for id, b := range prevByID {
		if seen[id] {
			continue
		}
		if c.Prober != nil {
			c.Prober.Unwatch(id)
		}
		if b.SessionCount() > 0 {
			c.drainingMu.Lock()
			c.draining[id] = b
			c.drainingMu.Unlock()
			if c.Log != nil {
				c.Log.Info("backend draining", "backend", id, "sessions", b.SessionCount())
			}
			continue
		}
		if c.Metrics != nil {
			c.Metrics.RemoveBackend(id)
		}
	}
}

// runDrainSweep periodically checks draining backends for SessionCount()
// reaching zero, at which point their metric series are finally dropped.
func (c *Controller) runDrainSweep(ctx context.Context) {
	ticker := time.NewTicker(drainSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepDraining()
		}
	}
}

func (c *Controller) sweepDraining() {
	c.drainingMu.Lock()
	defer c.drainingMu.Unlock()
	for id, b := range c.draining {
		if b.SessionCount() > 0 {
			continue
		}
		delete(c.draining, id)
		if c.Metrics != nil {
			c.Metrics.RemoveBackend(id)
		}
		if c.Log != nil {
			c.Log.Info("backend finished draining", "backend", id)
		}
	}
}

// DrainingCount returns how many removed backends are still waiting for
// their last session to close. Exposed for tests and diagnostics.
func (c *Controller) DrainingCount() int {
	c.drainingMu.Lock()
	defer c.drainingMu.Unlock()
	return len(c.draining)
}

// motdSourceFunc returns the address the MOTD refresher should ping next.
// If pinned is set (motd_source configured explicitly) it always wins.
// Otherwise spec §4.2 requires the first backend currently up, falling back
// in order if that one goes down; Set.Healthy() already returns backends in
// that order, so its first entry is exactly the rule. Before any backend
// has ever answered a probe, nothing is Up yet — fall back to the first
// configured backend so the refresher has something to try.
func (c *Controller) motdSourceFunc(pinned string) func() (string, error) {
	return func() (string, error) {
		if pinned != "" {
			return pinned, nil
		}
		set := c.CurrentSet()
		if healthy := set.Healthy(); len(healthy) > 0 {
			return healthy[0].Addr.String(), nil
		}
		if set != nil && len(set.Backends) > 0 {
			return set.Backends[0].Addr.String(), nil
		}
		return "", fmt.Errorf("proxy: no backend configured for motd source")
	}
}

func (c *Controller) restartMotdRefresher(cfg *config.Config) {
	if c.motdRefreshStop != nil {
		c.motdRefreshStop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.motdRefreshStop = cancel

	// trigger forces an out-of-cycle refresh on a health transition, so the
	// dynamic MOTD source can fail over to a newly healthy backend without
	// waiting out the rest of motd_refresh_rate.
	trigger := make(chan struct{}, 1)
	if c.Bus != nil {
		ch, unsubscribe := c.Bus.Subscribe()
		go func() {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if ev.Kind != events.BackendUp && ev.Kind != events.BackendDown {
						continue
					}
					select {
					case trigger <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	c.motdRefresher = &motd.Refresher{
		SourceFunc: c.motdSourceFunc(cfg.PinnedMotdSource()),
		Interval:   cfg.MotdRefreshRateDuration(),
		Cache:      c.MOTD,
		Bus:        c.Bus,
		Log:        c.Log,
	}
	go c.motdRefresher.Run(ctx, trigger)
}

// Generation returns the current fleet generation number.
func (c *Controller) Generation() uint64 { return c.generation.Load() }

// Stop stops the health prober, MOTD refresher, and drain sweeper.
func (c *Controller) Stop() {
	if c.motdRefreshStop != nil {
		c.motdRefreshStop()
	}
	if c.drainStop != nil {
		c.drainStop()
	}
	if c.Prober != nil {
		c.Prober.Stop()
	}
}
