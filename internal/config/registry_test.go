package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultGlobalConfigValidates(t *testing.T) {
	cfg := DefaultGlobalConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "memory", cfg.Casper.Storage.Backend)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultGlobalConfig()
	cfg.Server.Listen.Port = 0
	require.Error(t, cfg.Validate())
}

func TestValidateFillsDefaultsForZeroValues(t *testing.T) {
	cfg := GlobalConfig{}
	cfg.Server.Listen.Port = 8080
	require.NoError(t, cfg.Validate())
	require.Equal(t, 1, cfg.Server.Workers)
	require.Equal(t, 60000, cfg.Casper.HTTP.TimeoutMs)
	require.Equal(t, 5000, cfg.Casper.AfterResponse.MaxMs)
	require.Equal(t, "memory", cfg.Casper.Storage.Backend)
}

func TestNewRegistryLoadsGlobalAndDestinationConfigs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "casper.internal.yaml", `
server:
  listen:
    port: 9091
casper:
  storage:
    backend: redis
    redis:
      address: "127.0.0.1:6379"
`)
	writeFile(t, dir, "biz.yaml", `
cached_endpoints:
  detail:
    pattern: '^/biz/([0-9]+)$'
    ttl: 60
    request_method: GET
`)

	reg, err := NewRegistry(Paths{SrvConfigsPath: dir}, discardLogger())
	require.NoError(t, err)

	global := reg.Global()
	require.Equal(t, 9091, global.Server.Listen.Port)
	require.Equal(t, "redis", global.Casper.Storage.Backend)
	require.Equal(t, "127.0.0.1:6379", global.Casper.Storage.Redis.Address)

	svc, ok := reg.Destination("biz")
	require.True(t, ok)
	require.Equal(t, []string{"detail"}, svc.EntryNames())

	require.Contains(t, reg.Destinations(), "biz")
	require.False(t, reg.LoadedAt().IsZero())
}

func TestNewRegistrySkipsInvalidCacheEntry(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "biz.yaml", `
cached_endpoints:
  broken:
    pattern: '^/biz/(.*)$'
    bulk_support: true
    ttl: 60
`)

	reg, err := NewRegistry(Paths{SrvConfigsPath: dir}, discardLogger())
	require.NoError(t, err)

	svc, ok := reg.Destination("biz")
	require.True(t, ok)
	require.Empty(t, svc.EntryNames())
	require.Len(t, reg.Skipped(), 1)
	require.Equal(t, "biz", reg.Skipped()[0].Destination)
}

func TestNewRegistryResolvesSmartStackAndEnvoy(t *testing.T) {
	dir := t.TempDir()
	servicesPath := writeFile(t, dir, "services.yaml", `
biz:
  host: 10.0.0.5
  port: 20001
`)
	envoyDir := t.TempDir()
	writeFile(t, envoyDir, "envoy_client.yaml", `
url: "http://envoy.local:3000"
`)

	reg, err := NewRegistry(Paths{ServicesYAML: servicesPath, EnvoyConfigs: envoyDir}, discardLogger())
	require.NoError(t, err)

	entry, ok := reg.SmartStack("biz")
	require.True(t, ok)
	require.Equal(t, "10.0.0.5", entry.Host)
	require.Equal(t, 20001, entry.Port)

	require.Equal(t, "http://envoy.local:3000", reg.Envoy().URL)
}

func TestRegistryReloadPicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "biz.yaml", `
cached_endpoints:
  detail:
    pattern: '^/biz/([0-9]+)$'
    ttl: 60
`)

	reg, err := NewRegistry(Paths{SrvConfigsPath: dir}, discardLogger())
	require.NoError(t, err)
	svc, _ := reg.Destination("biz")
	require.Len(t, svc.EntryNames(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)
	defer reg.Stop()

	// Backdate the original mtime so the rewrite below is guaranteed to
	// register as a change even on filesystems with coarse mtime
	// resolution.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, past, past))

	writeFile(t, dir, "biz.yaml", `
cached_endpoints:
  detail:
    pattern: '^/biz/([0-9]+)$'
    ttl: 60
  listing:
    pattern: '^/biz$'
    ttl: 30
`)

	reg.Nudge()
	require.Eventually(t, func() bool {
		svc, _ := reg.Destination("biz")
		return len(svc.EntryNames()) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
