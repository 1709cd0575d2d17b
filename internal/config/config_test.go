package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 22, cfg.Port)
	assert.Equal(t, ".*", cfg.VMNamePattern)
	assert.Equal(t, "agent", cfg.AddressSource)
	assert.Equal(t, "unraid", cfg.Group)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 15*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "known_hosts", filepath.Base(cfg.KnownHostsFile))
}

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	yaml := `
unraid_host: tower.lan
unraid_user: root
unraid_password: hunter2
vm_name_pattern: '^\[Ansible\].+'
vm_interface_pattern: 'en\w+'
address_source: agent-json
ansible_user: ansible
sanitize_host_names: true
concurrency: 2
command_timeout: 1m

logging:
  level: "debug"
  format: "json"

cache:
  enabled: true
  ttl: 10m
`
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "tower.lan", cfg.Host)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Equal(t, `^\[Ansible\].+`, cfg.VMNamePattern)
	assert.Equal(t, `en\w+`, cfg.VMInterfacePattern)
	assert.Equal(t, "agent-json", cfg.AddressSource)
	assert.Equal(t, "ansible", cfg.AnsibleUser)
	assert.True(t, cfg.SanitizeHostNames)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, time.Minute, cfg.CommandTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)

	// Defaults fill the rest.
	assert.Equal(t, 22, cfg.Port)
	assert.Equal(t, "unraid", cfg.Group)
	assert.Equal(t, DefaultConfig().Cache.Path, cfg.Cache.Path)
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("unraid_port: [not a number\n"), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoadWithEnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("unraid_host: tower.lan\nunraid_user: admin\n"), 0o600))

	t.Setenv("UNRAID_HOST", "10.0.0.2")
	t.Setenv("UNRAID_PORT", "2222")
	t.Setenv("UNRAID_USER", "root")
	t.Setenv("UNRAID_PASSWORD", "secret")
	t.Setenv("VM_NAME_PATTERN", "^web")
	t.Setenv("ANSIBLE_USER", "deploy")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "json")

	cfg, warnings, err := LoadWithEnvOverride(configPath)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "10.0.0.2", cfg.Host)
	assert.Equal(t, 2222, cfg.Port)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "^web", cfg.VMNamePattern)
	assert.Equal(t, "deploy", cfg.AnsibleUser)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadWithEnvOverride_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not checked on Windows")
	}
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("unraid_password: secret\n"), 0o644))
	require.NoError(t, os.Chmod(configPath, 0o644))

	_, warnings, err := LoadWithEnvOverride(configPath)
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "chmod 600")
	assert.Contains(t, warnings[1], "unraid_password")
}

func TestCheckFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not checked on Windows")
	}
	dir := t.TempDir()

	secure := filepath.Join(dir, "secure.yaml")
	require.NoError(t, os.WriteFile(secure, []byte("{}"), 0o600))
	assert.Empty(t, CheckFilePermissions(secure))

	open := filepath.Join(dir, "open.yaml")
	require.NoError(t, os.WriteFile(open, []byte("{}"), 0o600))
	require.NoError(t, os.Chmod(open, 0o640))
	assert.Len(t, CheckFilePermissions(open), 1)

	assert.Nil(t, CheckFilePermissions(filepath.Join(dir, "missing.yaml")))
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Host = "tower.lan"
	cfg.User = "root"
	cfg.Password = "secret"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		problem string
	}{
		{"valid", func(*Config) {}, ""},
		{"identity file instead of password", func(c *Config) { c.Password = ""; c.IdentityFile = "/keys/id" }, ""},
		{"local mode needs no credentials", func(c *Config) { c.Host = "localhost"; c.User = ""; c.Password = "" }, ""},
		{"missing host", func(c *Config) { c.Host = "" }, "unraid_host is required"},
		{"missing user", func(c *Config) { c.User = "" }, "unraid_user is required"},
		{"missing credentials", func(c *Config) { c.Password = "" }, "unraid_password or identity_file"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "unraid_port"},
		{"bad name pattern", func(c *Config) { c.VMNamePattern = "[oops" }, "vm_name_pattern"},
		{"bad interface pattern", func(c *Config) { c.VMInterfacePattern = "(eth" }, "vm_interface_pattern"},
		{"bad address source", func(c *Config) { c.AddressSource = "arp" }, "address_source"},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"conflicting host key modes", func(c *Config) { c.StrictHostKeyChecking = true; c.InsecureIgnoreHostKey = true }, "mutually exclusive"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.problem == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VMNamePattern = "[oops"

	err := cfg.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 4)
}

func TestResolveHostAlias(t *testing.T) {
	sshConfig := filepath.Join(t.TempDir(), "ssh_config")
	require.NoError(t, os.WriteFile(sshConfig, []byte(`
Host tower
    HostName 192.168.1.10
    User admin
    Port 2222
    IdentityFile /keys/id_tower
`), 0o600))

	cfg := DefaultConfig()
	cfg.Host = "tower"
	require.NoError(t, cfg.ResolveHostAlias(sshConfig))
	assert.Equal(t, "192.168.1.10", cfg.Host)
	assert.Equal(t, 2222, cfg.Port)
	assert.Equal(t, "admin", cfg.User)
	assert.Equal(t, "/keys/id_tower", cfg.IdentityFile)

	t.Run("explicit values win", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Host = "tower"
		cfg.Port = 2022
		cfg.User = "root"
		require.NoError(t, cfg.ResolveHostAlias(sshConfig))
		assert.Equal(t, "192.168.1.10", cfg.Host)
		assert.Equal(t, 2022, cfg.Port)
		assert.Equal(t, "root", cfg.User)
	})

	t.Run("unknown alias unchanged", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Host = "10.0.0.2"
		require.NoError(t, cfg.ResolveHostAlias(sshConfig))
		assert.Equal(t, "10.0.0.2", cfg.Host)
		assert.Empty(t, cfg.User)
	})

	t.Run("missing ssh config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Host = "tower"
		require.NoError(t, cfg.ResolveHostAlias(filepath.Join(t.TempDir(), "none")))
		assert.Equal(t, "tower", cfg.Host)
	})
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := validConfig()
	cfg.AnsibleUser = "deploy"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}
