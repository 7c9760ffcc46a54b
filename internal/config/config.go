// Package config loads sqlmediator's YAML configuration: listen addresses,
// the backend list, pool defaults, and the behavior knobs spec.md's
// config surface names (fix_bug_25371, pool_change_user, the injected
// script path, the master personality's credentials).
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sqlmediator/sqlmediator/internal/backend"
)

// Config is sqlmediator's top-level configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Pool        PoolDefaults      `yaml:"pool"`
	Backends    []BackendConfig   `yaml:"backends"`
	Master      MasterConfig      `yaml:"master"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`

	// Script is the configured script path. It is parsed but not read by
	// the daemon: every connection runs against internal/script.BuiltinHost.
	Script string `yaml:"script"`

	// FixBug25371 and PoolChangeUser mirror spec.md §6's config surface.
	// FixBug25371 is copied onto each connection but no driver state reads
	// it, so duplicate ERR packets are not filtered. PoolChangeUser forces
	// COM_CHANGE_USER on every pool reuse instead of comparing cached
	// credentials.
	FixBug25371    bool `yaml:"fix_bug_25371"`
	PoolChangeUser bool `yaml:"pool_change_user"`
}

// ListenConfig defines the ports and bind addresses sqlmediator listens on.
type ListenConfig struct {
	ProxyAddr  string `yaml:"proxy_addr"`
	MasterAddr string `yaml:"master_addr"`
	APIPort    int    `yaml:"api_port"`
	APIBind    string `yaml:"api_bind"`
	APIKey     string `yaml:"api_key"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// PoolDefaults configures internal/pool's per-backend-key idle pools.
type PoolDefaults struct {
	MaxPerKey      int           `yaml:"max_per_key"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// BackendConfig describes one MySQL backend the mediator may route to.
type BackendConfig struct {
	Address  string `yaml:"address"`
	Role     string `yaml:"role"` // "rw" or "ro"
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Redacted returns a copy of the BackendConfig with the password masked.
func (b BackendConfig) Redacted() BackendConfig {
	c := b
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// BackendRole parses Role into internal/backend's Role enum.
func (b BackendConfig) BackendRole() backend.Role {
	switch b.Role {
	case "rw":
		return backend.RoleReadWrite
	case "ro":
		return backend.RoleReadOnly
	default:
		return backend.RoleUnknown
	}
}

// Addresses returns every configured backend's address, in order.
func (c *Config) Addresses() []string {
	out := make([]string, len(c.Backends))
	for i, b := range c.Backends {
		out[i] = b.Address
	}
	return out
}

// Roles returns every configured backend's role, in order, matching
// Addresses' order — the pair internal/backend.New expects.
func (c *Config) Roles() []backend.Role {
	out := make([]backend.Role, len(c.Backends))
	for i, b := range c.Backends {
		out[i] = b.BackendRole()
	}
	return out
}

// Credentials resolves the password configured for user, satisfying
// internal/pool.Credentials.
func (c *Config) Credentials(user string) (string, bool) {
	for _, b := range c.Backends {
		if b.Username == user {
			return b.Password, true
		}
	}
	return "", false
}

// MasterConfig holds the master personality's built-in auth check and the
// server version string it advertises in its synthesized handshake.
type MasterConfig struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	ServerVersion string `yaml:"server_version"`
}

// HealthCheckConfig configures internal/health's backend liveness prober.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.ProxyAddr == "" {
		cfg.Listen.ProxyAddr = ":4040"
	}
	if cfg.Listen.MasterAddr == "" {
		cfg.Listen.MasterAddr = ":4041"
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Pool.MaxPerKey == 0 {
		cfg.Pool.MaxPerKey = 20
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 10 * time.Second
	}
	if cfg.Master.ServerVersion == "" {
		cfg.Master.ServerVersion = "5.5.8-sqlmediator"
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 5 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 2 * time.Second
	}
}

func validate(cfg *Config) error {
	for i, b := range cfg.Backends {
		if b.Address == "" {
			return fmt.Errorf("backend %d: address is required", i)
		}
		if b.Role != "rw" && b.Role != "ro" {
			return fmt.Errorf("backend %d (%s): role must be \"rw\" or \"ro\", got %q", i, b.Address, b.Role)
		}
		if b.Username == "" {
			return fmt.Errorf("backend %d (%s): username is required", i, b.Address)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
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
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
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
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
