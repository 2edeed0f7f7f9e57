// Package config loads and hot-reloads Casper's global settings, the
// per-destination cache rules, the SmartStack registry, and the Envoy
// client config, honoring env > file > default precedence throughout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the canonical environment variable prefix for overrides of
// casper.internal.yaml settings (e.g. CASPER_SERVER__LISTEN__PORT).
const EnvPrefix = "CASPER"

var globalCanonicalKeys = map[string]string{
	"casper.v2_single_enabled_pct":  "casper.v2_single_enabled_pct",
	"server.logging.correlationheader": "server.logging.correlationHeader",
}

func envTransform(prefix string, canonical map[string]string) func(string) string {
	return func(s string) string {
		key := strings.TrimPrefix(s, prefix+"_")
		key = strings.ReplaceAll(key, "__", ".")
		lower := strings.ToLower(key)
		if mapped, ok := canonical[lower]; ok {
			return mapped
		}
		key = strings.ReplaceAll(key, "_", "")
		return strings.ToLower(key)
	}
}

// loadGlobalConfig assembles casper.internal.yaml plus CASPER_* env
// overrides layered on top of DefaultGlobalConfig.
func loadGlobalConfig(path string) (GlobalConfig, error) {
	k := koanf.New(".")
	defaults := DefaultGlobalConfig()
	if err := k.Load(confmap.Provider(globalConfigToMap(defaults), "."), nil); err != nil {
		return GlobalConfig{}, fmt.Errorf("config: load global defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return GlobalConfig{}, fmt.Errorf("config: load global file %s: %w", path, err)
			}
		}
		// Missing casper.internal.yaml is not fatal: the process falls back
		// to defaults plus environment overrides.
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform(EnvPrefix, globalCanonicalKeys)), nil); err != nil {
		return GlobalConfig{}, fmt.Errorf("config: load global env: %w", err)
	}
	var cfg GlobalConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return GlobalConfig{}, fmt.Errorf("config: unmarshal global: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func globalConfigToMap(c GlobalConfig) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": c.Server.Listen.Address,
				"port":    c.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             c.Server.Logging.Level,
				"format":            c.Server.Logging.Format,
				"correlationHeader": c.Server.Logging.CorrelationHeader,
			},
			"workers": c.Server.Workers,
		},
		"casper": map[string]any{
			"disable_caching":     c.Casper.DisableCaching,
			"route_through_envoy": c.Casper.RouteThroughEnvoy,
			"http": map[string]any{
				"timeout_ms": c.Casper.HTTP.TimeoutMs,
			},
			"v2_single_enabled_pct": c.Casper.V2SingleEnabledPct,
			"after_response": map[string]any{
				"max_ms": c.Casper.AfterResponse.MaxMs,
			},
			"storage": map[string]any{
				"backend":                      c.Casper.Storage.Backend,
				"compression_threshold_bytes":  c.Casper.Storage.CompressionThresholdBytes,
				"shim_max_bytes":               c.Casper.Storage.ShimMaxBytes,
				"redis": map[string]any{
					"address":  c.Casper.Storage.Redis.Address,
					"username": c.Casper.Storage.Redis.Username,
					"password": c.Casper.Storage.Redis.Password,
					"db":       c.Casper.Storage.Redis.DB,
					"tls": map[string]any{
						"enabled": c.Casper.Storage.Redis.TLS.Enabled,
						"caFile":  c.Casper.Storage.Redis.TLS.CAFile,
					},
				},
			},
		},
		"yelp_meteorite": map[string]any{
			"metrics-relay": map[string]any{
				"host": c.Meter.MetricsRelay.Host,
				"port": c.Meter.MetricsRelay.Port,
			},
			"etc_path": c.Meter.EtcPath,
		},
		"zipkin": map[string]any{
			"syslog": map[string]any{
				"host": c.Zipkin.Syslog.Host,
				"port": c.Zipkin.Syslog.Port,
			},
		},
	}
}

// loadServiceConfig reads and compiles a single destination file.
func loadServiceConfig(destination, path string) (*ServiceConfig, []DefinitionSkip, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, nil, fmt.Errorf("config: load service %s: %w", path, err)
	}
	var raw ServiceConfigFile
	if err := k.Unmarshal("", &raw); err != nil {
		return nil, nil, fmt.Errorf("config: unmarshal service %s: %w", path, err)
	}
	compiled, skipped := compileServiceConfig(destination, raw)
	return compiled, skipped, nil
}

// loadSmartStack reads the SmartStack registry file (SERVICES_YAML_PATH),
// a flat destination -> {host,port} mapping.
func loadSmartStack(path string) (map[string]SmartStackEntry, error) {
	if path == "" {
		return map[string]SmartStackEntry{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return map[string]SmartStackEntry{}, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load smartstack %s: %w", path, err)
	}
	out := map[string]SmartStackEntry{}
	if err := k.Unmarshal("", &out); err != nil {
		return nil, fmt.Errorf("config: unmarshal smartstack %s: %w", path, err)
	}
	return out, nil
}

// loadEnvoyConfig reads the Envoy client config used when
// casper.route_through_envoy is enabled.
func loadEnvoyConfig(path string) (EnvoyConfig, error) {
	if path == "" {
		return EnvoyConfig{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return EnvoyConfig{}, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return EnvoyConfig{}, fmt.Errorf("config: load envoy %s: %w", path, err)
	}
	var cfg EnvoyConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return EnvoyConfig{}, fmt.Errorf("config: unmarshal envoy %s: %w", path, err)
	}
	return cfg, nil
}

// destinationFiles lists every <destination>.yaml under dir, deriving the
// destination name from the file's base name. casper.internal.yaml is
// excluded since it is loaded separately as the global config.
func destinationFiles(dir string) (map[string]string, error) {
	out := map[string]string{}
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("config: read dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".yaml" && filepath.Ext(name) != ".yml" {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if base == "casper.internal" {
			continue
		}
		out[base] = filepath.Join(dir, name)
	}
	return out, nil
}
