// Package config loads the gatekeep configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/gatekeep/internal/classify"
	"github.com/fentz26/gatekeep/internal/connectors/localexec"
	"github.com/fentz26/gatekeep/internal/connectors/webhook"
	"github.com/fentz26/gatekeep/internal/gate"
	"github.com/fentz26/gatekeep/internal/ratelimit"
	"github.com/fentz26/gatekeep/internal/source"
	"github.com/fentz26/gatekeep/internal/watcher"
)

// DefaultListen is the control plane address when none is configured.
const DefaultListen = "127.0.0.1:7477"

// Config is the daemon configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// Listen is the control plane address.
	Listen string `yaml:"listen"`
	// DryRun simulates outward actions. On by default.
	DryRun bool `yaml:"dry_run"`

	Log       LogConfig       `yaml:"log"`
	Audit     AuditConfig     `yaml:"audit"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Keywords  classify.Tiers  `yaml:"keywords"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Watchers  []WatcherConfig `yaml:"watchers"`
	Executors ExecutorsConfig `yaml:"executors"`
	API       APIConfig       `yaml:"api"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// AuditConfig adds sinks beside the database table.
type AuditConfig struct {
	// JSONLPath, when set, also appends every event to this file.
	JSONLPath string `yaml:"jsonl_path"`
}

// DedupConfig sets fingerprint retention.
type DedupConfig struct {
	Retention time.Duration            `yaml:"retention"`
	PerSource map[string]time.Duration `yaml:"per_source"`
}

// RateLimitConfig selects the window store and budgets.
type RateLimitConfig struct {
	// Backend is memory or redis.
	Backend    string                      `yaml:"backend"`
	Redis      RedisConfig                 `yaml:"redis"`
	Policies   map[string]ratelimit.Policy `yaml:"policies"`
	Categories map[string]string           `yaml:"categories"`
	Fallback   ratelimit.Policy            `yaml:"fallback"`
}

// RedisConfig locates the Redis window store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ApprovalConfig tunes the approval gate.
type ApprovalConfig struct {
	Ambiguity gate.AmbiguityPolicy `yaml:"ambiguity"`
}

// WatcherConfig declares one ingestion source and its loop.
type WatcherConfig struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"` // dropdir
	Path   string         `yaml:"path"`
	Filter source.Filter  `yaml:"filter"`
	Loop   watcher.Config `yaml:",inline"`
}

// ExecutorsConfig lists the executors actions are routed to, in order:
// webhooks, local commands, then the simulated executor.
type ExecutorsConfig struct {
	Webhooks  []webhook.Config             `yaml:"webhooks"`
	LocalExec map[string]localexec.Command `yaml:"localexec"`
	WorkDir   string                       `yaml:"work_dir"`
	// Simulated lists action types accepted by the simulated executor. An
	// empty list accepts everything.
	Simulated []string `yaml:"simulated"`
}

// APIConfig throttles control plane clients.
type APIConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Dir returns ~/.gatekeep.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gatekeep"
	}
	return filepath.Join(home, ".gatekeep")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath: filepath.Join(Dir(), "gatekeep.db"),
		Listen: DefaultListen,
		DryRun: true,
		Log:    LogConfig{Level: "info", Format: "json"},
		Dedup: DedupConfig{
			Retention: 30 * 24 * time.Hour,
			PerSource: map[string]time.Duration{},
		},
		Keywords: classify.DefaultTiers(),
		RateLimit: RateLimitConfig{
			Backend:    "memory",
			Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "gatekeep:rate"},
			Policies:   ratelimit.DefaultPolicies(),
			Categories: ratelimit.DefaultCategories(),
			Fallback:   ratelimit.DefaultPolicy,
		},
		Approval: ApprovalConfig{Ambiguity: gate.MostRecent},
		API:      APIConfig{RequestsPerSecond: 20, Burst: 40},
	}
}

// Load reads path over Default, applies environment overrides and
// validates the result. A missing file is not an error. An empty path means
// DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GATEKEEP_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("GATEKEEP_DB"); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := lookup("GATEKEEP_LISTEN"); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup("GATEKEEP_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("GATEKEEP_DRY_RUN"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GATEKEEP_DRY_RUN: %w", err)
		}
		c.DryRun = b
	}
	if v, ok := lookup("GATEKEEP_REDIS_ADDR"); ok && v != "" {
		c.RateLimit.Backend = "redis"
		c.RateLimit.Redis.Addr = v
	}
	if v, ok := lookup("GATEKEEP_HIGH_KEYWORDS"); ok && v != "" {
		var kws []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kws = append(kws, k)
			}
		}
		c.Keywords.High = kws
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if !c.Approval.Ambiguity.Valid() {
		errs = append(errs, fmt.Errorf("approval.ambiguity must be %q or %q, got %q", gate.MostRecent, gate.Reject, c.Approval.Ambiguity))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.Redis.Addr == "" {
			errs = append(errs, errors.New("rate_limit.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	for cat, p := range c.RateLimit.Policies {
		if p.MaxPerWindow <= 0 || p.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.policies.%s: max_per_window and window must be positive", cat))
		}
	}
	if c.RateLimit.Fallback.MaxPerWindow <= 0 || c.RateLimit.Fallback.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.fallback: max_per_window and window must be positive"))
	}
	if c.Dedup.Retention <= 0 {
		errs = append(errs, errors.New("dedup.retention must be positive"))
	}

	seen := make(map[string]bool)
	for i, w := range c.Watchers {
		switch {
		case w.Name == "":
			errs = append(errs, fmt.Errorf("watchers[%d]: name is required", i))
		case seen[w.Name]:
			errs = append(errs, fmt.Errorf("watchers[%d]: duplicate name %q", i, w.Name))
		}
		seen[w.Name] = true
		switch w.Type {
		case "dropdir":
			if w.Path == "" {
				errs = append(errs, fmt.Errorf("watchers[%d]: path is required for dropdir", i))
			}
		default:
			errs = append(errs, fmt.Errorf("watchers[%d]: unknown type %q", i, w.Type))
		}
		if err := w.Loop.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("watchers[%d]: %w", i, err))
		}
	}
	for i, wh := range c.Executors.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Errorf("executors.webhooks[%d]: url is required", i))
		}
	}
	return errors.Join(errs...)
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
