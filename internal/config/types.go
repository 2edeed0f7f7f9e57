package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// GlobalConfig holds the process-wide settings read from casper.internal.yaml
// plus environment overrides. It is reloaded on the same cadence as
// per-destination service configs.
type GlobalConfig struct {
	Server  ServerConfig  `koanf:"server"`
	Casper  CasperConfig  `koanf:"casper"`
	Meter   MeterConfig   `koanf:"yelp_meteorite"`
	Zipkin  ZipkinConfig  `koanf:"zipkin"`
}

// ServerConfig collects the bootstrap knobs owned by the process launcher.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Workers int           `koanf:"workers"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation header wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CasperConfig holds the feature-flag style settings documented in spec §4.1
// and §9 (casper.internal.yaml).
type CasperConfig struct {
	DisableCaching     bool              `koanf:"disable_caching"`
	RouteThroughEnvoy  bool              `koanf:"route_through_envoy"`
	HTTP               HTTPConfig        `koanf:"http"`
	V2SingleEnabledPct int               `koanf:"v2_single_enabled_pct"`
	AfterResponse      AfterResponseConf `koanf:"after_response"`
	Storage            StorageConfig     `koanf:"storage"`
	Filters            map[string]FilterConfig `koanf:"filters"`
}

// FilterConfig describes one entry of the startup-resolved filter
// registry a cache_entry can reference by name via use_filter (Design
// Notes §9). Kind selects "cel" or "template"; an unrecognized kind or
// a definition that fails to compile is skipped (logged) rather than
// failing startup.
type FilterConfig struct {
	Kind               string `koanf:"kind"`
	Expression         string `koanf:"expression"`
	Template           string `koanf:"template"`
	ShortCircuitStatus int    `koanf:"short_circuit_status"`
}

type HTTPConfig struct {
	TimeoutMs int `koanf:"timeout_ms"`
}

// StorageConfig selects and configures the C5 storage backend (spec §4.5).
type StorageConfig struct {
	Backend                   string      `koanf:"backend"`
	CompressionThresholdBytes int         `koanf:"compression_threshold_bytes"`
	ShimMaxBytes              int64       `koanf:"shim_max_bytes"`
	Redis                     RedisConfig `koanf:"redis"`
}

// RedisConfig configures the redis-protocol storage backend.
type RedisConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      RedisTLSConfig  `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// AfterResponseConf bounds the fire-and-forget after_response work per I4.
type AfterResponseConf struct {
	MaxMs int `koanf:"max_ms"`
}

// MeterConfig addresses the external UDP metrics relay (§6).
type MeterConfig struct {
	MetricsRelay MetricsRelayConfig `koanf:"metrics-relay"`
	EtcPath      string             `koanf:"etc_path"`
}

type MetricsRelayConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// ZipkinConfig addresses the UDP syslog trace sink (§6).
type ZipkinConfig struct {
	Syslog SyslogConfig `koanf:"syslog"`
}

type SyslogConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// DefaultGlobalConfig returns the baseline values the loader starts from
// before files and environment overrides are applied.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		Server: ServerConfig{
			Listen: ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Workers: 1,
		},
		Casper: CasperConfig{
			HTTP:          HTTPConfig{TimeoutMs: 60000},
			AfterResponse: AfterResponseConf{MaxMs: 5000},
			Storage: StorageConfig{
				Backend:      "memory",
				ShimMaxBytes: 64 << 20,
			},
		},
	}
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *GlobalConfig) Validate() error {
	if c == nil {
		return errors.New("config: nil global config")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Workers <= 0 {
		c.Server.Workers = 1
	}
	if c.Casper.HTTP.TimeoutMs <= 0 {
		c.Casper.HTTP.TimeoutMs = 60000
	}
	if c.Casper.AfterResponse.MaxMs <= 0 {
		c.Casper.AfterResponse.MaxMs = 5000
	}
	if c.Casper.Storage.Backend == "" {
		c.Casper.Storage.Backend = "memory"
	}
	return nil
}

// CacheEntryFile is the raw, as-authored shape of a cached_endpoints entry.
// Patterns are strings here; Registry compiles them into CacheEntry.
type CacheEntryFile struct {
	Pattern             string   `koanf:"pattern"`
	PatternV2           string   `koanf:"pattern_v2"`
	TTL                 int      `koanf:"ttl"`
	RequestMethod       string   `koanf:"request_method"`
	BulkSupport         bool     `koanf:"bulk_support"`
	IDIdentifier        string   `koanf:"id_identifier"`
	PostBodyID          string   `koanf:"post_body_id"`
	EnableIDExtraction  bool     `koanf:"enable_id_extraction"`
	DontCacheMissingIDs bool     `koanf:"dont_cache_missing_ids"`
	VaryHeaders         []string `koanf:"vary_headers"`
	VaryBodyFieldList   []string `koanf:"vary_body_field_list"`
	NumBuckets          int      `koanf:"num_buckets"`
	UncacheableHeaders  []string `koanf:"uncacheable_headers"`
	UseFilter           string   `koanf:"use_filter"`
}

// ServiceConfigFile is the raw, as-authored shape of a per-destination YAML
// document at <SRV_CONFIGS_PATH>/<destination>.yaml.
type ServiceConfigFile struct {
	CachedEndpoints    map[string]CacheEntryFile `koanf:"cached_endpoints"`
	UncacheableHeaders []string                  `koanf:"uncacheable_headers"`
	VaryHeaders        []string                  `koanf:"vary_headers"`
}

// CacheEntry is the compiled, runtime-ready form of a cached_endpoints entry.
type CacheEntry struct {
	Name                string
	Pattern             *regexp.Regexp
	PatternV2           *regexp.Regexp
	TTL                 time.Duration
	RequestMethod       string
	BulkSupport         bool
	IDIdentifier        string
	PostBodyID          string
	EnableIDExtraction  bool
	DontCacheMissingIDs bool
	VaryHeaders         []string
	VaryBodyFieldList   []string
	NumBuckets          int
	UncacheableHeaders  []string
	UseFilter           string
}

// MatchPattern returns pattern_v2 when present, otherwise pattern, per the
// documented precedence (§9 open question: pattern_v2 or pattern wins).
func (e *CacheEntry) MatchPattern() *regexp.Regexp {
	if e.PatternV2 != nil {
		return e.PatternV2
	}
	return e.Pattern
}

// ServiceConfig is the compiled, runtime-ready form of a destination's
// configuration. Entries is a deterministically (name-sorted) ordered view
// so pattern search order is stable across process restarts, satisfying the
// §4.3 stability requirement when the source mapping order is not
// guaranteed by the YAML loader.
type ServiceConfig struct {
	Destination        string
	Entries             []*CacheEntry
	UncacheableHeaders  []string
	VaryHeaders         []string
}

// EntryNames returns the cache_name values in search order.
func (s *ServiceConfig) EntryNames() []string {
	names := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		names = append(names, e.Name)
	}
	return names
}

// DefinitionSkip describes a cache_entry the loader intentionally ignored
// because it violated an invariant (e.g. an invalid regex, or a
// bulk_support pattern without exactly three capture groups).
type DefinitionSkip struct {
	Destination string `json:"destination"`
	CacheName   string `json:"cache_name"`
	Reason      string `json:"reason"`
}

// compileServiceConfig turns a raw, as-authored document into its runtime
// form, skipping (not failing) individual cache_entry definitions that
// violate an invariant. This mirrors the fail-open posture of §7: a bad
// entry should not take down an entire destination.
func compileServiceConfig(destination string, raw ServiceConfigFile) (*ServiceConfig, []DefinitionSkip) {
	names := make([]string, 0, len(raw.CachedEndpoints))
	for name := range raw.CachedEndpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	out := &ServiceConfig{
		Destination:        destination,
		UncacheableHeaders: raw.UncacheableHeaders,
		VaryHeaders:        raw.VaryHeaders,
	}
	var skipped []DefinitionSkip
	for _, name := range names {
		entryFile := raw.CachedEndpoints[name]
		entry, reason := compileCacheEntry(name, entryFile)
		if reason != "" {
			skipped = append(skipped, DefinitionSkip{Destination: destination, CacheName: name, Reason: reason})
			continue
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, skipped
}

func compileCacheEntry(name string, f CacheEntryFile) (*CacheEntry, string) {
	if strings.TrimSpace(f.Pattern) == "" {
		return nil, "pattern is required"
	}
	pattern, err := regexp.Compile(f.Pattern)
	if err != nil {
		return nil, fmt.Sprintf("invalid pattern: %v", err)
	}
	var patternV2 *regexp.Regexp
	if strings.TrimSpace(f.PatternV2) != "" {
		patternV2, err = regexp.Compile(f.PatternV2)
		if err != nil {
			return nil, fmt.Sprintf("invalid pattern_v2: %v", err)
		}
	}
	method := strings.ToUpper(strings.TrimSpace(f.RequestMethod))
	if method == "" {
		method = "GET"
	}
	if method != "GET" && method != "POST" {
		return nil, fmt.Sprintf("unsupported request_method: %s", f.RequestMethod)
	}
	effective := patternV2
	if effective == nil {
		effective = pattern
	}
	if f.BulkSupport && effective.NumSubexp() != 3 {
		return nil, fmt.Sprintf("bulk_support requires exactly 3 capture groups, pattern has %d", effective.NumSubexp())
	}
	return &CacheEntry{
		Name:                name,
		Pattern:             pattern,
		PatternV2:           patternV2,
		TTL:                 time.Duration(f.TTL) * time.Second,
		RequestMethod:       method,
		BulkSupport:         f.BulkSupport,
		IDIdentifier:        f.IDIdentifier,
		PostBodyID:          f.PostBodyID,
		EnableIDExtraction:  f.EnableIDExtraction,
		DontCacheMissingIDs: f.DontCacheMissingIDs,
		VaryHeaders:         f.VaryHeaders,
		VaryBodyFieldList:   f.VaryBodyFieldList,
		NumBuckets:          f.NumBuckets,
		UncacheableHeaders:  f.UncacheableHeaders,
		UseFilter:           f.UseFilter,
	}, ""
}

// SmartStackEntry describes a destination's discovered (host, port).
type SmartStackEntry struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// EnvoyConfig is the minimal client config Casper reads when
// casper.route_through_envoy is set.
type EnvoyConfig struct {
	URL string `koanf:"url"`
}
