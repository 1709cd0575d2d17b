package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/sshconfig"
)

// Config holds all configuration for one inventory run.
type Config struct {
	// Host is the Unraid server address, "localhost" to run virsh locally, or
	// a Host alias from ~/.ssh/config.
	Host     string `yaml:"unraid_host"`
	Port     int    `yaml:"unraid_port"`
	User     string `yaml:"unraid_user"`
	Password string `yaml:"unraid_password"`

	// IdentityFile is an optional private key used before password auth.
	IdentityFile string `yaml:"identity_file"`

	// KnownHostsFile records host keys. Unknown hosts are added on first
	// connect unless StrictHostKeyChecking is set.
	KnownHostsFile        string `yaml:"known_hosts_file"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`

	// UseSudo runs virsh through sudo for non-root users.
	UseSudo bool `yaml:"use_sudo"`

	// VMNamePattern selects domains by name (regular expression, unanchored).
	VMNamePattern string `yaml:"vm_name_pattern"`

	// VMInterfacePattern optionally restricts which guest interfaces may
	// supply the address. Empty means any non-loopback interface.
	VMInterfacePattern string `yaml:"vm_interface_pattern"`

	// AddressSource is "agent" (virsh domifaddr) or "agent-json"
	// (guest-network-get-interfaces).
	AddressSource string `yaml:"address_source"`

	// AnsibleUser is set as ansible_user on every host when non-empty.
	AnsibleUser string `yaml:"ansible_user"`

	Group             string `yaml:"group"`
	SanitizeHostNames bool   `yaml:"sanitize_host_names"`

	// Concurrency is the number of guest agents queried at once.
	Concurrency int `yaml:"concurrency"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`

	Logging LoggingConfig `yaml:"logging"`
	Cache   CacheConfig   `yaml:"cache"`
}

// LoggingConfig configures the stderr logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// CacheConfig configures the inventory cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	TTL     time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	cacheDir, err := GetCacheDir()
	if err != nil {
		cacheDir = filepath.Join(home, ".cache", appName)
	}

	return &Config{
		Port:           22,
		KnownHostsFile: filepath.Join(home, ".ssh", "known_hosts"),
		VMNamePattern:  ".*",
		AddressSource:  "agent",
		Group:          "unraid",
		Concurrency:    4,
		ConnectTimeout: 15 * time.Second,
		CommandTimeout: 30 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Cache: CacheConfig{
			Path: filepath.Join(cacheDir, "inventory.db"),
			TTL:  5 * time.Minute,
		},
	}
}

// Load reads config from a YAML file. If the file doesn't exist, returns default config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills in default values for any empty config fields.
// This handles cases where a config file exists but doesn't specify all fields.
func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.KnownHostsFile == "" {
		cfg.KnownHostsFile = defaults.KnownHostsFile
	}
	if cfg.VMNamePattern == "" {
		cfg.VMNamePattern = defaults.VMNamePattern
	}
	if cfg.AddressSource == "" {
		cfg.AddressSource = defaults.AddressSource
	}
	if cfg.Group == "" {
		cfg.Group = defaults.Group
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaults.CommandTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = defaults.Cache.Path
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = defaults.Cache.TTL
	}

	cfg.IdentityFile = sshconfig.ExpandTilde(cfg.IdentityFile)
	cfg.KnownHostsFile = sshconfig.ExpandTilde(cfg.KnownHostsFile)
	cfg.Cache.Path = sshconfig.ExpandTilde(cfg.Cache.Path)
}

// HasSecrets reports whether the config holds a password.
func (c *Config) HasSecrets() bool {
	return c.Password != ""
}

// IsLocal reports whether virsh runs on this machine instead of over SSH.
func (c *Config) IsLocal() bool {
	switch strings.ToLower(c.Host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// LoadWithEnvOverride loads config from YAML and lets environment variables
// override it. Returns the config, any permission warnings, and an error if
// loading fails.
func LoadWithEnvOverride(path string) (*Config, []string, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	applyEnvOverrides(cfg)

	warnings := CheckFilePermissions(path)
	if len(warnings) > 0 && cfg.HasSecrets() {
		warnings = append(warnings, fmt.Sprintf(
			"config file %s contains unraid_password with insecure permissions - the password may be exposed to other users",
			path,
		))
	}
	return cfg, warnings, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("UNRAID_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("UNRAID_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("UNRAID_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("UNRAID_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("VM_NAME_PATTERN"); v != "" {
		cfg.VMNamePattern = v
	}
	if v := os.Getenv("ANSIBLE_USER"); v != "" {
		cfg.AnsibleUser = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// CheckFilePermissions checks if a config file has secure permissions.
// Returns a slice of warning strings if permissions are too open (e.g., group/other readable).
// Returns nil if the file doesn't exist or permissions are fine.
func CheckFilePermissions(path string) []string {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}

	var warnings []string
	if runtime.GOOS != "windows" {
		mode := info.Mode().Perm()
		if mode&0o077 != 0 {
			warnings = append(warnings, fmt.Sprintf(
				"config file %s has insecure permissions %o, should be 0600 - run: chmod 600 %s",
				path, mode, path,
			))
		}
	}
	return warnings
}

// ResolveHostAlias fills Host, Port, User and IdentityFile from the SSH
// config Host block named by c.Host. Values already set in c are kept, except
// Host which is replaced by the block's HostName. A missing SSH config file
// is not an error.
func (c *Config) ResolveHostAlias(sshConfigPath string) error {
	if c.Host == "" || c.IsLocal() || sshConfigPath == "" {
		return nil
	}
	hosts, err := sshconfig.ParseFile(sshConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	h, ok := sshconfig.Lookup(hosts, c.Host)
	if !ok {
		return nil
	}

	if h.HostName != "" {
		c.Host = h.HostName
	}
	if h.Port != 0 && (c.Port == 0 || c.Port == 22) {
		c.Port = h.Port
	}
	if c.User == "" {
		c.User = h.User
	}
	if c.IdentityFile == "" {
		c.IdentityFile = h.IdentityFile
	}
	return nil
}

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

var knownLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks the config for everything a run needs. It returns a
// *ValidationError, or nil.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Host == "" {
		add("unraid_host is required")
	}
	if !c.IsLocal() {
		if c.User == "" {
			add("unraid_user is required")
		}
		if c.Password == "" && c.IdentityFile == "" {
			add("unraid_password or identity_file is required")
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		add("unraid_port %d out of range", c.Port)
	}
	if _, err := regexp.Compile(c.VMNamePattern); err != nil {
		add("vm_name_pattern %q: %v", c.VMNamePattern, err)
	}
	if c.VMInterfacePattern != "" {
		if _, err := regexp.Compile(c.VMInterfacePattern); err != nil {
			add("vm_interface_pattern %q: %v", c.VMInterfacePattern, err)
		}
	}
	switch c.AddressSource {
	case "", "agent", "agent-json":
	default:
		add("address_source %q must be agent or agent-json", c.AddressSource)
	}
	if c.Concurrency < 1 {
		add("concurrency must be at least 1")
	}
	if c.StrictHostKeyChecking && c.InsecureIgnoreHostKey {
		add("strict_host_key_checking and insecure_ignore_host_key are mutually exclusive")
	}
	if !knownLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format %q must be text or json", c.Logging.Format)
	}
	if c.Cache.Enabled && c.Cache.Path == "" {
		add("cache.path is required when the cache is enabled")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Save writes the current config back to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
