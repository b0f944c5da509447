// Package config loads and validates dispatcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/firebuzz-ai/edge-dispatcher/internal/dispatcher"
	"github.com/firebuzz-ai/edge-dispatcher/internal/invalidation"
	"github.com/firebuzz-ai/edge-dispatcher/internal/logging"
	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage/cache"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage/gcs"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage/local"
	"github.com/firebuzz-ai/edge-dispatcher/internal/storage/postgres"
	"github.com/firebuzz-ai/edge-dispatcher/internal/telemetry"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Admin        AdminConfig         `mapstructure:"admin"`
	Logging      logging.Config      `mapstructure:"logging"`
	Engines      EnginesConfig       `mapstructure:"engines"`
	Preview      PreviewConfig       `mapstructure:"preview"`
	Forward      dispatcher.Config   `mapstructure:"forward"`
	Store        StoreConfig         `mapstructure:"store"`
	Cache        cache.Config        `mapstructure:"cache"`
	Invalidation invalidation.Config `mapstructure:"invalidation"`
	Telemetry    telemetry.Config    `mapstructure:"telemetry"`
}

// ServerConfig controls the public listener.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AdminConfig controls the health, metrics and debug listener.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// EnginesConfig holds the backend origin per environment.
type EnginesConfig struct {
	Dev        string `mapstructure:"dev"`
	Preview    string `mapstructure:"preview"`
	Production string `mapstructure:"production"`
}

// PreviewConfig holds the fixed preview hostname per environment.
type PreviewConfig struct {
	Production string `mapstructure:"production"`
	Dev        string `mapstructure:"dev"`
	Preview    string `mapstructure:"preview"`
}

// StoreConfig selects and configures the domain store.
type StoreConfig struct {
	Backend  string          `mapstructure:"backend"`
	Memory   MemoryConfig    `mapstructure:"memory"`
	File     local.Config    `mapstructure:"file"`
	Postgres postgres.Config `mapstructure:"postgres"`
	GCS      gcs.Config      `mapstructure:"gcs"`
}

// MemoryConfig seeds the in-memory store. Entries are a list because
// hostnames contain dots, which Viper treats as key separators.
type MemoryConfig struct {
	Domains []DomainEntry `mapstructure:"domains"`
}

// DomainEntry is one seeded record.
type DomainEntry struct {
	Hostname             string `mapstructure:"hostname"`
	routing.DomainConfig `mapstructure:",squash"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 9090)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.disable_sampling", false)
	v.SetDefault("engines.dev", routing.DefaultDevEngine)
	v.SetDefault("engines.preview", routing.DefaultPreviewEngine)
	v.SetDefault("engines.production", routing.DefaultProductionEngine)
	v.SetDefault("preview.production", routing.DefaultProductionPreviewHost)
	v.SetDefault("preview.dev", routing.DefaultDevPreviewHost)
	v.SetDefault("preview.preview", routing.DefaultPreviewPreviewHost)
	v.SetDefault("forward.timeout", 0)
	v.SetDefault("forward.response_header_timeout", 30*time.Second)
	v.SetDefault("forward.dial_timeout", 5*time.Second)
	v.SetDefault("forward.idle_conn_timeout", 90*time.Second)
	v.SetDefault("forward.max_idle_conns_per_host", 256)
	v.SetDefault("forward.flush_interval", 0)
	v.SetDefault("forward.set_x_forwarded", true)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.file.path", "")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "domains")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("store.gcs.bucket", "")
	v.SetDefault("store.gcs.prefix", "domains/")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 720*time.Hour)
	v.SetDefault("cache.negative_ttl", 30*time.Second)
	v.SetDefault("cache.max_entries", cache.DefaultMaxEntries)
	v.SetDefault("cache.negative_max_entries", cache.DefaultNegativeMaxEntries)
	v.SetDefault("cache.load_timeout", 2*time.Second)
	v.SetDefault("invalidation.enabled", false)
	v.SetDefault("invalidation.project_id", "")
	v.SetDefault("invalidation.subscription_id", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "edge-dispatcher")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Admin.Enabled {
		if c.Admin.Port <= 0 {
			return fmt.Errorf("admin.port must be > 0 when admin is enabled")
		}
		if c.Admin.Port == c.Server.Port {
			return fmt.Errorf("admin.port must differ from server.port")
		}
	}
	if _, _, err := c.Routing(); err != nil {
		return err
	}
	if c.Forward.Timeout < 0 || c.Forward.ResponseHeaderTimeout < 0 ||
		c.Forward.DialTimeout < 0 || c.Forward.IdleConnTimeout < 0 {
		return fmt.Errorf("forward timeouts must not be negative")
	}
	if c.Forward.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("forward.max_idle_conns_per_host must not be negative")
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if c.Cache.Enabled {
		if c.Cache.TTL < 0 || c.Cache.NegativeTTL < 0 || c.Cache.LoadTimeout < 0 {
			return fmt.Errorf("cache durations must not be negative")
		}
		if c.Cache.MaxEntries < 0 || c.Cache.NegativeMaxEntries < 0 {
			return fmt.Errorf("cache.max_entries and cache.negative_max_entries must not be negative")
		}
	}
	if c.Invalidation.Enabled {
		if !c.Cache.Enabled {
			return fmt.Errorf("invalidation requires cache.enabled")
		}
		if c.Invalidation.ProjectID == "" || c.Invalidation.SubscriptionID == "" {
			return fmt.Errorf("invalidation.project_id and invalidation.subscription_id must be set when invalidation is enabled")
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (s StoreConfig) validate() error {
	switch s.Backend {
	case BackendMemory:
		for i, d := range s.Memory.Domains {
			if routing.NormalizeHost(d.Hostname) == "" {
				return fmt.Errorf("store.memory.domains[%d].hostname is required", i)
			}
		}
	case BackendFile:
		if s.File.Path == "" {
			return fmt.Errorf("store.file.path is required for the file backend")
		}
	case BackendPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return fmt.Errorf("store.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", s.Backend)
	}
	return nil
}

// Routing parses the engine origins and builds the preview table.
func (c Config) Routing() (routing.Engines, routing.PreviewTable, error) {
	engines, err := routing.NewEngines(c.Engines.Dev, c.Engines.Preview, c.Engines.Production)
	if err != nil {
		return routing.Engines{}, routing.PreviewTable{}, fmt.Errorf("engines: %w", err)
	}
	previews, err := routing.NewPreviewTable(routing.PreviewHosts{
		Production: c.Preview.Production,
		Dev:        c.Preview.Dev,
		Preview:    c.Preview.Preview,
	}, engines)
	if err != nil {
		return routing.Engines{}, routing.PreviewTable{}, fmt.Errorf("preview: %w", err)
	}
	return engines, previews, nil
}

// MemoryDomains returns the seeded records keyed by hostname.
func (s StoreConfig) MemoryDomains() map[string]routing.DomainConfig {
	out := make(map[string]routing.DomainConfig, len(s.Memory.Domains))
	for _, d := range s.Memory.Domains {
		out[d.Hostname] = d.DomainConfig
	}
	return out
}
