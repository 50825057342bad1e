package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Load works on flag.CommandLine, give each test a fresh one
func freshCommandLine(t *testing.T) {
	t.Helper()
	saved := flag.CommandLine
	flag.CommandLine = flag.NewFlagSet("clusterlock", flag.ContinueOnError)
	t.Cleanup(func() { flag.CommandLine = saved })
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	wait, lease := cfg.AcquireDefaults()
	assert.Equal(t, 120*time.Second, wait)
	assert.Equal(t, 300*time.Second, lease)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat())
	assert.Equal(t, BackendRaft, cfg.Backend)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "clusterlock.yaml")
	require.NoError(t, WriteDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "group_identity: default")
	assert.Contains(t, string(data), "lease_time_seconds: 300")

	cfg, err := LoadFile(path, Config{})
	require.NoError(t, err)

	want := Default()
	want.CoordinationConfigFile = path
	assert.Equal(t, want.GroupIdentity, cfg.GroupIdentity)
	assert.Equal(t, want.ExplicitServerAddresses, cfg.ExplicitServerAddresses)
	assert.Equal(t, want.WaitTimeoutSeconds, cfg.WaitTimeoutSeconds)
	assert.Equal(t, want.LeaseTimeSeconds, cfg.LeaseTimeSeconds)
	assert.Equal(t, path, cfg.CoordinationConfigFile)

	assert.Error(t, WriteDefault(path), "existing files are not overwritten")
}

func TestLoadFileKeepsUnsetKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusterlock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("group_identity: billing\nlease_time_seconds: 30\n"), 0o644))

	cfg, err := LoadFile(path, Default())
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.GroupIdentity)
	assert.Equal(t, 30, cfg.LeaseTimeSeconds)
	assert.Equal(t, 120, cfg.WaitTimeoutSeconds)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), Default())
	assert.Error(t, err)
}

func TestLoadPrecedence(t *testing.T) {
	freshCommandLine(t)

	path := filepath.Join(t.TempDir(), "clusterlock.yaml")
	doc := "group_identity: from-file\nwait_timeout_seconds: 10\nlease_time_seconds: 20\ninstance_name: file-node\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	t.Setenv("CLUSTERLOCK_WAIT_TIMEOUT_SECONDS", "11")
	t.Setenv("CLUSTERLOCK_LEASE_TIME_SECONDS", "21")

	cfg, err := Load([]string{"-config", path, "-lease-time-seconds=22", "-explicit-server-addresses", "a:1, b:2"})
	require.NoError(t, err)

	assert.Equal(t, "file-node", cfg.InstanceName, "file over default")
	assert.Equal(t, "from-file", cfg.GroupIdentity)
	assert.Equal(t, 11, cfg.WaitTimeoutSeconds, "env over file")
	assert.Equal(t, 22, cfg.LeaseTimeSeconds, "flag over env")
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.ExplicitServerAddresses)
	assert.Equal(t, path, cfg.CoordinationConfigFile)
}

func TestLoadRejectsInvalid(t *testing.T) {
	freshCommandLine(t)

	_, err := Load([]string{"-backend", "zookeeper"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "etcd" }},
		{"no servers", func(c *Config) { c.ExplicitServerAddresses = nil }},
		{"no redis", func(c *Config) { c.Backend = BackendRedis; c.RedisAddr = "" }},
		{"negative wait", func(c *Config) { c.WaitTimeoutSeconds = -1 }},
		{"zero lease", func(c *Config) { c.LeaseTimeSeconds = 0 }},
		{"zero retry budget", func(c *Config) { c.RetryBudget = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad peer", func(c *Config) { c.Peers = []string{"node-2"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestPeerList(t *testing.T) {
	cfg := Default()
	cfg.Peers = []string{"node-2=10.0.0.2:7000", "node-3=10.0.0.3:7000"}

	peers, err := cfg.PeerList()
	require.NoError(t, err)
	assert.Equal(t, []Peer{
		{ID: "node-2", Address: "10.0.0.2:7000"},
		{ID: "node-3", Address: "10.0.0.3:7000"},
	}, peers)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CLUSTERLOCK_CONFIG", "")
	assert.Equal(t, "", configPath([]string{"-bootstrap"}))
	assert.Equal(t, "a.yaml", configPath([]string{"-config", "a.yaml"}))
	assert.Equal(t, "b.yaml", configPath([]string{"--config=b.yaml", "-bootstrap"}))

	t.Setenv("CLUSTERLOCK_CONFIG", "env.yaml")
	assert.Equal(t, "env.yaml", configPath(nil))
}
