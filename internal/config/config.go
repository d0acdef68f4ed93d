// Package config loads pgproxy's configuration from a YAML file with
// environment-variable overrides, grounded on the teacher's
// internal/config/config.go (yaml.v2-tagged nested struct, getEnv overrides
// applied after decode, package-level singleton via sync.Once).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration object.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Backends    []BackendConfig   `yaml:"backends"`
	Pool        PoolConfig        `yaml:"pool"`
	LoadBalancer LBConfig         `yaml:"load_balancer"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Log         LogConfig         `yaml:"log"`
	Admin       AdminConfig       `yaml:"admin"`
}

// ListenConfig controls the client-facing listener.
type ListenConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	SocketDir  string `yaml:"socket_dir"`
	NumWorkers int    `yaml:"num_init_children"`
}

// BackendConfig describes one configured PostgreSQL backend node.
type BackendConfig struct {
	NodeID    int     `yaml:"node_id"`
	Hostname  string  `yaml:"hostname"`
	Port      int     `yaml:"port"`
	Weight    float64 `yaml:"weight"`
	IsPrimary bool    `yaml:"is_primary_hint"`
}

// PoolConfig controls the backend connection pool (§4.B) and per-worker
// lifetime (§4.D).
type PoolConfig struct {
	MaxPool               int `yaml:"max_pool"`
	ChildLifeTimeSec      int `yaml:"child_life_time_sec"`
	ChildMaxConnections   int `yaml:"child_max_connections"`
	ConnectionLifeTimeSec int `yaml:"connection_life_time_sec"`
	ClientIdleLimitSec    int `yaml:"client_idle_limit_sec"`
	ReservedConnections   int `yaml:"reserved_connections"`
	MaxChildren           int `yaml:"max_children"`
	AuthTimeoutSec        int `yaml:"authentication_timeout_sec"`
	SharedBackend         string `yaml:"shared_backend"` // "" or "redis"
}

// LBConfig controls the load balancer (§4.E).
type LBConfig struct {
	RedirectDBNames  []RedirectRule `yaml:"redirect_dbnames"`
	RedirectAppNames []RedirectRule `yaml:"redirect_app_names"`
}

// RedirectRule maps a pattern to a suggested node and weight, per the
// `database_redirect_preference_list` / `app_name_redirect_preference_list`
// syntax described in §4.E.
type RedirectRule struct {
	Pattern string  `yaml:"pattern"`
	Target  string  `yaml:"target"` // "primary", "standby", or a numeric node id
	Weight  float64 `yaml:"weight"`
}

// WatchdogConfig controls the cluster coordinator (§4.G-J).
type WatchdogConfig struct {
	Enabled                     bool                  `yaml:"enabled"`
	Hostname                    string                `yaml:"hostname"`
	WdPort                      int                   `yaml:"wd_port"`
	PgpoolPort                  int                   `yaml:"pgpool_port"`
	Priority                    int                    `yaml:"priority"`
	AuthKey                     string                `yaml:"auth_key"`
	Peers                       []WatchdogPeerConfig  `yaml:"peers"`
	BeaconIntervalSec           int                   `yaml:"beacon_interval_sec"`
	ElectionTimeoutSec          int                   `yaml:"election_timeout_sec"`
	MinVotesHalfPolicy          bool                  `yaml:"enable_consensus_with_half_votes"`
	MinSecsConnectionRetry      int                   `yaml:"min_secs_connection_retry"`
	MaxSecsWaitForReply         int                   `yaml:"max_secs_wait_for_reply"`
	FailoverObjectTimeoutSec    int                   `yaml:"failover_object_timeout_sec"`
}

// WatchdogPeerConfig describes one configured peer proxy instance.
type WatchdogPeerConfig struct {
	Hostname    string `yaml:"hostname"`
	WdPort      int    `yaml:"wd_port"`
	PgpoolPort  int    `yaml:"pgpool_port"`
}

// HealthCheckConfig controls the supplemented health-check worker
// (SPEC_FULL.md, "Supplemented features").
type HealthCheckConfig struct {
	PeriodSec  int `yaml:"period_sec"`
	TimeoutSec int `yaml:"timeout_sec"`
	MaxRetries int `yaml:"max_retries"`
}

// LogConfig controls the root slog logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AdminConfig controls the operator-facing HTTP/gRPC surfaces
// (SPEC_FULL.md "Admin HTTP surface" / PCP gRPC service).
type AdminConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide config singleton, loading it on first call
// from CONFIG_PATH (default "pgproxy.yaml") and applying environment
// overrides, mirroring the teacher's config.Get().
func Get() *Config {
	once.Do(func() {
		path := getEnv("CONFIG_PATH", "pgproxy.yaml")
		cfg, err := Load(path)
		if err != nil {
			slog.Warn("config: failed to load file, using defaults", "path", path, "error", err)
			cfg = Default()
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// Load reads and decodes a YAML config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config with pgpool-II-compatible default tunables.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Host: "0.0.0.0", Port: 9999, NumWorkers: 32},
		Pool: PoolConfig{
			MaxPool:               4,
			ChildLifeTimeSec:      300,
			ChildMaxConnections:   0,
			ConnectionLifeTimeSec: 0,
			ClientIdleLimitSec:    0,
			ReservedConnections:   0,
			MaxChildren:           32,
			AuthTimeoutSec:        60,
		},
		Watchdog: WatchdogConfig{
			BeaconIntervalSec:       10,
			ElectionTimeoutSec:      5,
			MinSecsConnectionRetry:  10,
			MaxSecsWaitForReply:     5,
			FailoverObjectTimeoutSec: 15,
		},
		HealthCheck: HealthCheckConfig{PeriodSec: 10, TimeoutSec: 5, MaxRetries: 3},
		Log:         LogConfig{Level: "info", Format: "json"},
		Admin:       AdminConfig{HTTPAddr: "127.0.0.1:9898"},
	}
}

// applyEnvOverrides overlays process environment variables onto the
// decoded config, matching the teacher's one-getEnv-call-per-field idiom.
func (c *Config) applyEnvOverrides() {
	c.Listen.Host = getEnv("PGPROXY_LISTEN_HOST", c.Listen.Host)
	c.Listen.Port = getEnvInt("PGPROXY_LISTEN_PORT", c.Listen.Port)
	c.Watchdog.Hostname = getEnv("PGPROXY_WD_HOSTNAME", c.Watchdog.Hostname)
	c.Watchdog.WdPort = getEnvInt("PGPROXY_WD_PORT", c.Watchdog.WdPort)
	c.Watchdog.AuthKey = getEnv("PGPROXY_WD_AUTH_KEY", c.Watchdog.AuthKey)
	c.Log.Level = getEnv("PGPROXY_LOG_LEVEL", c.Log.Level)
	c.Admin.HTTPAddr = getEnv("PGPROXY_ADMIN_ADDR", c.Admin.HTTPAddr)
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
