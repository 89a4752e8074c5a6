// Package health implements the backend liveness prober (spec §4.3): a
// ticking unconnected-ping/pong probe per backend, driving each
// fleet.Backend's up/down FSM. Grounded on the teacher's health.Checker
// ticker-and-worker-pool shape (internal/health/checker.go in
// JeelKantaria-db-bouncer), with the TCP/SQL probes replaced by RakNet's
// unconnected ping via go-raknet.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	goraknet "github.com/sandertv/go-raknet"

	"mcpebalancer/internal/events"
	"mcpebalancer/internal/fleet"
)

// Prober drives one ticker loop per backend, probing concurrently and
// updating each Backend's health state via its own RecordProbeSuccess/Miss.
type Prober struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Bus              *events.Bus
	Log              *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewProber constructs a Prober with the given cadence and failure
// threshold (N=3 per spec §4.3 unless overridden by config).
func NewProber(interval, timeout time.Duration, failureThreshold int, bus *events.Bus, log *slog.Logger) *Prober {
	return &Prober{
		Interval:         interval,
		Timeout:          timeout,
		FailureThreshold: failureThreshold,
		Bus:              bus,
		Log:              log,
		cancels:          make(map[string]context.CancelFunc),
	}
}

// Watch starts a probe loop for b if one isn't already running. Called once
// per backend when the fleet controller builds or extends a generation.
func (p *Prober) Watch(b *fleet.Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cancels[b.ID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[b.ID] = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, b)
	}()
}

// Unwatch stops probing a backend that's been dropped from the fleet. The
// backend itself is left alone; any sessions still routed to it drain
// naturally per spec §4.7.
func (p *Prober) Unwatch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
}

// Stop cancels every running probe loop and waits for them to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context, b *fleet.Backend) {
	p.probe(ctx, b)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx, b)
		}
	}
}

// pingResult carries a raknet.Ping outcome back from the goroutine it runs
// in, since the library's Ping has no context/deadline parameter of its own.
type pingResult struct {
	err error
	rtt time.Duration
}

func (p *Prober) probe(ctx context.Context, b *fleet.Backend) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	resultCh := make(chan pingResult, 1)
	go func() {
		start := time.Now()
		_, err := goraknet.Ping(b.Addr.String())
		resultCh <- pingResult{err: err, rtt: time.Since(start)}
	}()

	var err error
	var rtt time.Duration
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case r := <-resultCh:
		err, rtt = r.err, r.rtt
	}

	var next fleet.Health
	var transitioned bool
	if err != nil {
		next, transitioned = b.RecordProbeMiss(p.FailureThreshold)
	} else {
		next, transitioned = b.RecordProbeSuccess(int64(rtt))
	}

	p.emitTransition(b, next, transitioned, rtt, err)
}

// emitTransition logs every successful probe at debug level (routine
// liveness detail, not an event), but only publishes a BackendUp/BackendDown
// event — and only logs the state-change lines — when transitioned is true.
// Health events are edge-triggered per spec §3: once per actual transition,
// never once per tick.
func (p *Prober) emitTransition(b *fleet.Backend, next fleet.Health, transitioned bool, rtt time.Duration, probeErr error) {
	if probeErr == nil && p.Log != nil {
		p.Log.Debug("backend probe ok", "backend", b.ID, "rtt", rtt)
	}
	if !transitioned {
		return
	}

	switch next {
	case fleet.Up:
		if p.Log != nil {
			p.Log.Info("backend marked up", "backend", b.ID, "rtt", rtt)
		}
		if p.Bus != nil {
			p.Bus.Publish(events.Event{Kind: events.BackendUp, At: time.Now(), Data: events.BackendHealthData{BackendID: b.ID, RTT: rtt}})
		}
	case fleet.Down:
		if p.Log != nil {
			p.Log.Warn("backend marked down", "backend", b.ID, "consecutive_failures", b.ConsecutiveFailures(), "error", probeErr)
		}
		if p.Bus != nil {
			p.Bus.Publish(events.Event{Kind: events.BackendDown, At: time.Now(), Data: events.BackendHealthData{BackendID: b.ID, RTT: rtt}})
		}
	}
}
