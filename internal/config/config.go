// Package config loads and hot-reloads PgDog's TOML configuration,
// carrying forward the teacher's env-var substitution, effective-default
// resolution, and fsnotify Watcher (config/config.go) unchanged in spirit
// but ported from YAML (gopkg.in/yaml.v3) to TOML (BurntSushi/toml), and
// restructured from a flat tenant map into the cluster/shard/user model
// the router and pool packages operate on.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/pgdog/pgdog-core/internal/cluster"
)

// Config is the top-level configuration.
type Config struct {
	Listen   ListenConfig             `toml:"listen"`
	Defaults PoolDefaults             `toml:"defaults"`
	Clusters map[string]ClusterConfig `toml:"clusters"`
	Users    []UserConfig             `toml:"users"`
}

// ListenConfig defines the ports and bind addresses PgDog listens on.
type ListenConfig struct {
	PostgresPort int    `toml:"postgres_port"`
	AdminPort    int    `toml:"admin_port"`
	AdminBind    string `toml:"admin_bind"`
	TLSCert      string `toml:"tls_cert"`
	TLSKey       string `toml:"tls_key"`
}

func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolDefaults are pool sizing values applied when a cluster doesn't
// override them.
type PoolDefaults struct {
	MinConnections   int           `toml:"min_connections"`
	MaxConnections   int           `toml:"max_connections"`
	IdleTimeout      time.Duration `toml:"idle_timeout"`
	MaxLifetime      time.Duration `toml:"max_lifetime"`
	AcquireTimeout   time.Duration `toml:"acquire_timeout"`
	DialTimeout      time.Duration `toml:"dial_timeout"`
	BanDuration      time.Duration `toml:"ban_duration"`
	FailureThreshold int           `toml:"failure_threshold"`
	PoolerMode       string        `toml:"pooler_mode"`
	LoadBalancing    string        `toml:"load_balancing"`
}

// BackendConfig is one physical server entry in a shard.
type BackendConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Role string `toml:"role"` // "primary" or "replica"
}

// ShardConfig is one shard's backend set.
type ShardConfig struct {
	Servers []BackendConfig `toml:"servers"`
}

// ShardedTableConfig names a sharded table's key column and data type.
type ShardedTableConfig struct {
	Name          string `toml:"name"`
	Column        string `toml:"column"`
	DataType      string `toml:"data_type"` // "bigint", "text", "vector"
	CentroidsPath string `toml:"centroids_path,omitempty"`
}

// ClusterConfig describes one routable cluster: its shards, pooling
// policy overrides, and sharded tables.
type ClusterConfig struct {
	Database         string               `toml:"database"`
	Shards           []ShardConfig        `toml:"shards"`
	ShardedTables    []ShardedTableConfig `toml:"sharded_tables"`
	PoolerMode       *string              `toml:"pooler_mode,omitempty"`
	LoadBalancing    *string              `toml:"load_balancing,omitempty"`
	MinConnections   *int                 `toml:"min_connections,omitempty"`
	MaxConnections   *int                 `toml:"max_connections,omitempty"`
	IdleTimeout      *time.Duration       `toml:"idle_timeout,omitempty"`
	MaxLifetime      *time.Duration       `toml:"max_lifetime,omitempty"`
	AcquireTimeout   *time.Duration       `toml:"acquire_timeout,omitempty"`
	DialTimeout      *time.Duration       `toml:"dial_timeout,omitempty"`
	BanDuration      *time.Duration       `toml:"ban_duration,omitempty"`
	FailureThreshold *int                 `toml:"failure_threshold,omitempty"`
}

func pick[T any](override *T, fallback T) T {
	if override != nil {
		return *override
	}
	return fallback
}

func (c ClusterConfig) EffectiveMinConnections(d PoolDefaults) int { return pick(c.MinConnections, d.MinConnections) }
func (c ClusterConfig) EffectiveMaxConnections(d PoolDefaults) int { return pick(c.MaxConnections, d.MaxConnections) }
func (c ClusterConfig) EffectiveIdleTimeout(d PoolDefaults) time.Duration {
	return pick(c.IdleTimeout, d.IdleTimeout)
}
func (c ClusterConfig) EffectiveMaxLifetime(d PoolDefaults) time.Duration {
	return pick(c.MaxLifetime, d.MaxLifetime)
}
func (c ClusterConfig) EffectiveAcquireTimeout(d PoolDefaults) time.Duration {
	return pick(c.AcquireTimeout, d.AcquireTimeout)
}
func (c ClusterConfig) EffectiveDialTimeout(d PoolDefaults) time.Duration {
	return pick(c.DialTimeout, d.DialTimeout)
}
func (c ClusterConfig) EffectiveBanDuration(d PoolDefaults) time.Duration {
	return pick(c.BanDuration, d.BanDuration)
}
func (c ClusterConfig) EffectiveFailureThreshold(d PoolDefaults) int {
	return pick(c.FailureThreshold, d.FailureThreshold)
}
func (c ClusterConfig) EffectivePoolerMode(d PoolDefaults) string {
	return pick(c.PoolerMode, d.PoolerMode)
}
func (c ClusterConfig) EffectiveLoadBalancing(d PoolDefaults) string {
	return pick(c.LoadBalancing, d.LoadBalancing)
}

// UserConfig maps an authenticating user to the password/cluster they may
// connect to. PgDog keeps this as a list (rather than the teacher's
// per-tenant single credential) since one cluster may serve several
// application users with distinct passwords.
type UserConfig struct {
	Name     string `toml:"name"`
	Password string `toml:"password"`
	Cluster  string `toml:"cluster"`
	Database string `toml:"database,omitempty"`
}

// Redacted returns a copy with the password masked, for safe logging.
func (u UserConfig) Redacted() UserConfig {
	u.Password = "***REDACTED***"
	return u
}

// ToCluster builds the runtime cluster.Cluster value this config
// describes, resolving pool-policy enum strings into their typed forms.
func (cc ClusterConfig) ToCluster(name string, defaults PoolDefaults) (*cluster.Cluster, error) {
	mode, err := parsePoolerMode(cc.EffectivePoolerMode(defaults))
	if err != nil {
		return nil, fmt.Errorf("cluster %q: %w", name, err)
	}
	lb, err := parseLoadBalancing(cc.EffectiveLoadBalancing(defaults))
	if err != nil {
		return nil, fmt.Errorf("cluster %q: %w", name, err)
	}

	shards := make([]cluster.Shard, 0, len(cc.Shards))
	for i, sc := range cc.Shards {
		shard := cluster.Shard{Index: i}
		for _, b := range sc.Servers {
			role := cluster.RolePrimary
			if b.Role == "replica" {
				role = cluster.RoleReplica
			}
			be := cluster.Backend{Host: b.Host, Port: b.Port, Role: role}
			if role == cluster.RolePrimary {
				beCopy := be
				shard.Primary = &beCopy
			} else {
				shard.Replicas = append(shard.Replicas, be)
			}
		}
		shards = append(shards, shard)
	}

	tables := make([]cluster.ShardedTable, 0, len(cc.ShardedTables))
	for _, tc := range cc.ShardedTables {
		dt, err := parseShardKeyType(tc.DataType)
		if err != nil {
			return nil, fmt.Errorf("cluster %q table %q: %w", name, tc.Name, err)
		}
		tables = append(tables, cluster.ShardedTable{
			Name: tc.Name, Column: tc.Column, DataType: dt, CentroidsPath: tc.CentroidsPath,
		})
	}

	return &cluster.Cluster{
		Name:          name,
		Database:      cc.Database,
		PoolerMode:    mode,
		LoadBalancing: lb,
		Shards:        shards,
		ShardedTables: tables,
	}, nil
}

func parsePoolerMode(s string) (cluster.PoolerMode, error) {
	switch s {
	case "", "transaction":
		return cluster.ModeTransaction, nil
	case "session":
		return cluster.ModeSession, nil
	default:
		return 0, fmt.Errorf("unknown pooler_mode %q", s)
	}
}

func parseLoadBalancing(s string) (cluster.LoadBalancing, error) {
	switch s {
	case "", "random":
		return cluster.LBRandom, nil
	case "round_robin":
		return cluster.LBRoundRobin, nil
	case "least_active_connections":
		return cluster.LBLeastActiveConnections, nil
	default:
		return 0, fmt.Errorf("unknown load_balancing %q", s)
	}
}

func parseShardKeyType(s string) (cluster.ShardKeyType, error) {
	switch s {
	case "", "bigint":
		return cluster.ShardKeyBigint, nil
	case "text":
		return cluster.ShardKeyText, nil
	case "vector":
		return cluster.ShardKeyVector, nil
	default:
		return 0, fmt.Errorf("unknown data_type %q", s)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} with the environment's value,
// leaving the literal text in place when the variable is unset.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a TOML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.AdminPort == 0 {
		cfg.Listen.AdminPort = 9090
	}
	if cfg.Listen.AdminBind == "" {
		cfg.Listen.AdminBind = "127.0.0.1"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 1
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
	if cfg.Defaults.BanDuration == 0 {
		cfg.Defaults.BanDuration = 30 * time.Second
	}
	if cfg.Defaults.FailureThreshold == 0 {
		cfg.Defaults.FailureThreshold = 3
	}
	if cfg.Defaults.PoolerMode == "" {
		cfg.Defaults.PoolerMode = "transaction"
	}
	if cfg.Defaults.LoadBalancing == "" {
		cfg.Defaults.LoadBalancing = "random"
	}
}

func validate(cfg *Config) error {
	for name, c := range cfg.Clusters {
		if len(c.Shards) == 0 {
			return fmt.Errorf("cluster %q: at least one shard is required", name)
		}
		for i, s := range c.Shards {
			hasPrimary := false
			for _, b := range s.Servers {
				if b.Role == "" || b.Role == "primary" {
					hasPrimary = true
				}
				if b.Host == "" || b.Port == 0 {
					return fmt.Errorf("cluster %q shard %d: server host/port required", name, i)
				}
			}
			if !hasPrimary {
				return fmt.Errorf("cluster %q shard %d: no primary server configured", name, i)
			}
		}
		if len(c.Shards) > 1 && len(c.ShardedTables) == 0 {
			slog.Warn("cluster has multiple shards but no sharded_tables; cross-shard writes will be rejected", "cluster", name)
		}
	}
	for _, u := range cfg.Users {
		if u.Name == "" || u.Cluster == "" {
			return fmt.Errorf("user entry missing name or cluster: %+v", u.Redacted())
		}
		if _, ok := cfg.Clusters[u.Cluster]; !ok {
			return fmt.Errorf("user %q references unknown cluster %q", u.Name, u.Cluster)
		}
	}
	return nil
}

// Watcher watches the config file for changes and invokes callback with
// the newly parsed config, debouncing rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", cw.path, "err", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
