// Command mcbeproxy runs the Minecraft: Bedrock Edition reverse proxy and
// load balancer. Wiring and shutdown sequence grounded on
// JeelKantaria-db-bouncer's cmd/dbbouncer/main.go, since the teacher's own
// cmd/ entrypoint wasn't present in the retrieved example set.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcpebalancer/internal/config"
	"mcpebalancer/internal/events"
	"mcpebalancer/internal/health"
	"mcpebalancer/internal/metrics"
	"mcpebalancer/internal/proxy"
	"mcpebalancer/internal/session"
)

// loadSessionSnapshot best-effort reads a prior session snapshot for
// startup diagnostics only, per spec §4.12/§9: the entries are logged, never
// reinserted into a live Table, since the sessions' upstream sockets and
// backend references no longer exist.
func loadSessionSnapshot(cfg *config.Config, log *slog.Logger) {
	if !cfg.SnapshotCfg.Enabled {
		return
	}
	f, err := os.Open(cfg.SnapshotCfg.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("session snapshot: failed to open for startup read", "path", cfg.SnapshotCfg.Path, "error", err)
		}
		return
	}
	defer f.Close()

	entries, err := session.ReadSnapshot(f)
	if err != nil {
		log.Warn("session snapshot: failed to parse", "path", cfg.SnapshotCfg.Path, "error", err)
		return
	}
	log.Info("session snapshot: found sessions live at last shutdown", "count", len(entries), "path", cfg.SnapshotCfg.Path)
}

// writeSessionSnapshot best-effort writes every currently live session to
// cfg.SnapshotCfg.Path, called once on shutdown.
func writeSessionSnapshot(cfg *config.Config, sessions *session.Table, log *slog.Logger) {
	if !cfg.SnapshotCfg.Enabled {
		return
	}
	f, err := os.Create(cfg.SnapshotCfg.Path)
	if err != nil {
		log.Warn("session snapshot: failed to open for write", "path", cfg.SnapshotCfg.Path, "error", err)
		return
	}
	defer f.Close()

	if err := sessions.WriteSnapshot(f); err != nil {
		log.Warn("session snapshot: failed to write", "path", cfg.SnapshotCfg.Path, "error", err)
		return
	}
	log.Info("session snapshot: wrote live sessions", "count", sessions.Count(), "path", cfg.SnapshotCfg.Path)
}

func main() {
	configPath := flag.String("config", "mcbeproxy.toml", "path to TOML configuration file")
	metricsAddr := flag.String("metrics-addr", "", "optional address to serve Prometheus metrics on, e.g. :9090")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(*configPath, *metricsAddr, log); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	loadSessionSnapshot(cfg, log)

	bus := events.NewBus()
	coll := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coll.Subscribe(ctx, bus)

	probeInterval := cfg.HealthCheckRateDuration()
	probeTimeout := probeInterval / 2
	if probeTimeout <= 0 {
		probeTimeout = time.Second
	}
	prober := health.NewProber(probeInterval, probeTimeout, cfg.FailureThreshold, bus, log)

	controller := proxy.NewController(log, bus, coll)
	controller.Prober = prober
	if err := controller.Reload(cfg); err != nil {
		return err
	}
	defer controller.Stop()

	sessions := session.NewTable(func(s *session.Session, reason string) {
		bus.Publish(events.Event{
			Kind: events.SessionClosed,
			At:   time.Now(),
			Data: events.SessionData{ClientAddr: s.ClientAddr.String(), BackendID: s.Backend.ID, Reason: reason},
		})
	})

	frontend := &proxy.Frontend{
		Controller:    controller,
		Sessions:      sessions,
		Log:           log,
		Bus:           bus,
		ProxyProtocol: cfg.ProxyProtocol,
		ProxyBind:     cfg.ProxyBind,
	}
	if err := frontend.Listen(cfg.Bind); err != nil {
		return err
	}
	defer frontend.Close()
	log.Info("listening", "bind", frontend.Addr())

	reaper := &proxy.Reaper{Sessions: sessions, MaxIdle: cfg.IdleTimeoutDuration(), Interval: cfg.ReapIntervalDuration(), Metrics: coll}
	go reaper.Run(ctx)

	watcher, err := config.NewWatcher(configPath, log, func(newCfg *config.Config) {
		if err := controller.Reload(newCfg); err != nil {
			log.Error("reload rejected", "error", err)
		}
	})
	if err != nil {
		log.Warn("config watcher disabled", "error", err)
	} else {
		go watcher.Run(ctx)
		defer watcher.Stop()
	}

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(coll.Registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("serving metrics", "addr", metricsAddr)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- frontend.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			log.Error("frontend stopped unexpectedly", "error", err)
		}
	}

	cancel()
	writeSessionSnapshot(cfg, sessions, log)
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
