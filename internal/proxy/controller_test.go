package proxy

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mcpebalancer/internal/config"
	"mcpebalancer/internal/events"
	"mcpebalancer/internal/fleet"
	"mcpebalancer/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func writeConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "c.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestControllerReloadBuildsSet(t *testing.T) {
	c := NewController(discardLogger(), events.NewBus(), metrics.New())
	cfg := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
motd_source = "127.0.0.1:19132"
servers = [
  { id = "a", address = "127.0.0.1:19132" },
  { id = "b", address = "127.0.0.1:19133" },
]
`)
	require.NoError(t, c.Reload(cfg))
	defer c.Stop()

	set := c.CurrentSet()
	require.Len(t, set.Backends, 2)
	require.EqualValues(t, 1, c.Generation())
	require.Equal(t, "round_robin", c.Policy().Name())
}

func TestControllerSelectFailsWithNoHealthyBackends(t *testing.T) {
	c := NewController(discardLogger(), events.NewBus(), metrics.New())
	cfg := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
motd_source = "127.0.0.1:19132"
servers = [{ id = "a", address = "127.0.0.1:19132" }]
`)
	require.NoError(t, c.Reload(cfg))
	defer c.Stop()

	// Freshly reloaded backends start Unknown, not Up, until a probe succeeds.
	_, err := c.Select()
	require.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestControllerReloadPreservesBackendIdentityAcrossGenerations(t *testing.T) {
	c := NewController(discardLogger(), events.NewBus(), metrics.New())
	cfg1 := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
motd_source = "127.0.0.1:19132"
servers = [{ id = "a", address = "127.0.0.1:19132" }]
`)
	require.NoError(t, c.Reload(cfg1))
	defer c.Stop()

	a1, _ := c.CurrentSet().Lookup("a")
	a1.SetHealth(fleet.Up)
	a1.IncSessionCount()

	cfg2 := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
motd_source = "127.0.0.1:19132"
servers = [
  { id = "a", address = "127.0.0.1:19132" },
  { id = "b", address = "127.0.0.1:19133" },
]
`)
	require.NoError(t, c.Reload(cfg2))

	a2, ok := c.CurrentSet().Lookup("a")
	require.True(t, ok)
	require.Same(t, a1, a2)
	require.Equal(t, fleet.Up, a2.Health())
	require.EqualValues(t, 1, a2.SessionCount())
	require.EqualValues(t, 2, c.Generation())
}

func TestControllerReloadRejectsInvalidConfig(t *testing.T) {
	c := NewController(discardLogger(), events.NewBus(), metrics.New())
	defer c.Stop()
	cfg := &config.Config{} // zero-value: no Bind, no backends
	err := c.Reload(cfg)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestControllerReloadDrainsRemovedBackendWithLiveSessions(t *testing.T) {
	c := NewController(discardLogger(), events.NewBus(), metrics.New())
	cfg1 := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
motd_source = "127.0.0.1:19132"
servers = [
  { id = "a", address = "127.0.0.1:19132" },
  { id = "b", address = "127.0.0.1:19133" },
]
`)
	require.NoError(t, c.Reload(cfg1))
	defer c.Stop()

	b, _ := c.CurrentSet().Lookup("b")
	b.SetHealth(fleet.Up)
	b.IncSessionCount() // simulate a session still routed to "b"

	cfg2 := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
motd_source = "127.0.0.1:19132"
servers = [{ id = "a", address = "127.0.0.1:19132" }]
`)
	require.NoError(t, c.Reload(cfg2))

	_, ok := c.CurrentSet().Lookup("b")
	require.False(t, ok, "removed backend must not appear in the new set")
	require.Equal(t, 1, c.DrainingCount(), "backend with a live session should be draining, not gone")

	b.DecSessionCount()
	require.Eventually(t, func() bool {
		return c.DrainingCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "backend should finish draining once its last session closes")
}

func TestControllerReloadDropsRemovedBackendWithNoSessionsImmediately(t *testing.T) {
	c := NewController(discardLogger(), events.NewBus(), metrics.New())
	cfg1 := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
motd_source = "127.0.0.1:19132"
servers = [
  { id = "a", address = "127.0.0.1:19132" },
  { id = "b", address = "127.0.0.1:19133" },
]
`)
	require.NoError(t, c.Reload(cfg1))
	defer c.Stop()

	cfg2 := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
motd_source = "127.0.0.1:19132"
servers = [{ id = "a", address = "127.0.0.1:19132" }]
`)
	require.NoError(t, c.Reload(cfg2))
	require.Equal(t, 0, c.DrainingCount())
}

func TestMotdSourceFuncPrefersFirstHealthyBackend(t *testing.T) {
	c := NewController(discardLogger(), events.NewBus(), metrics.New())
	cfg := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
servers = [
  { id = "a", address = "127.0.0.1:19132" },
  { id = "b", address = "127.0.0.1:19133" },
]
`)
	require.NoError(t, c.Reload(cfg))
	defer c.Stop()

	sourceFn := c.motdSourceFunc("")

	// Neither backend has ever answered a probe: fall back to the first
	// configured backend so the refresher has something to try.
	src, err := sourceFn()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:19132", src)

	a, _ := c.CurrentSet().Lookup("a")
	b, _ := c.CurrentSet().Lookup("b")
	b.SetHealth(fleet.Up)

	// "a" is still not up; the dynamic source must fail over to "b".
	src, err = sourceFn()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:19133", src)

	a.SetHealth(fleet.Up)

	// "a" is first in config order and now up: it wins again.
	src, err = sourceFn()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:19132", src)
}

func TestMotdSourceFuncPinnedAlwaysWins(t *testing.T) {
	c := NewController(discardLogger(), events.NewBus(), metrics.New())
	cfg := writeConfig(t, `
bind = "0.0.0.0:19132"
load_balance_method = "round_robin"
[backend]
motd_source = "10.0.0.9:19132"
servers = [{ id = "a", address = "127.0.0.1:19132" }]
`)
	require.NoError(t, c.Reload(cfg))
	defer c.Stop()

	src, err := c.motdSourceFunc("10.0.0.9:19132")()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9:19132", src)
}
