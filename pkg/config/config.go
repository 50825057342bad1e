// Package config holds the process configuration. A Config is built once at
// startup and passed by value afterwards.
//
// Precedence, lowest first: built-in defaults, the YAML file named by
// -config, CLUSTERLOCK_* environment variables, command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jamiealquiza/envy"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, -grpc-addr reads CLUSTERLOCK_GRPC_ADDR.
const EnvPrefix = "CLUSTERLOCK"

const (
	BackendRaft   = "raft"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	CoordinationConfigFile  string   `yaml:"-"`
	InstanceName            string   `yaml:"instance_name"`
	GroupIdentity           string   `yaml:"group_identity"`
	ExplicitServerAddresses []string `yaml:"explicit_server_addresses"`
	WaitTimeoutSeconds      int      `yaml:"wait_timeout_seconds"`
	LeaseTimeSeconds        int      `yaml:"lease_time_seconds"`

	// coordination backend of clients: raft servers over gRPC, redis or memory
	Backend          string `yaml:"backend"`
	RedisAddr        string `yaml:"redis_addr"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
	RetryBudget      int    `yaml:"retry_budget"`

	// server role
	NodeID    string   `yaml:"node_id"`
	RaftAddr  string   `yaml:"raft_addr"`
	GRPCAddr  string   `yaml:"grpc_addr"`
	HTTPAddr  string   `yaml:"http_addr"`
	DataDir   string   `yaml:"data_dir"`
	Bootstrap bool     `yaml:"bootstrap"`
	Peers     []string `yaml:"peers"` //id=raft address

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

func Default() Config {
	host, err := os.Hostname()
	if err != nil {
		host = "clusterlock"
	}
	return Config{
		InstanceName:            host,
		GroupIdentity:           "default",
		ExplicitServerAddresses: []string{"127.0.0.1:9000"},
		WaitTimeoutSeconds:      120,
		LeaseTimeSeconds:        300,
		Backend:                 BackendRaft,
		RedisAddr:               "127.0.0.1:6379",
		HeartbeatSeconds:        5,
		RetryBudget:             3,
		RaftAddr:                "127.0.0.1:7000",
		GRPCAddr:                ":9000",
		HTTPAddr:                ":8080",
		DataDir:                 "./data",
		LogLevel:                "info",
	}
}

// AcquireDefaults are the wait and lease used when a caller names none.
func (c Config) AcquireDefaults() (wait, lease time.Duration) {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second, time.Duration(c.LeaseTimeSeconds) * time.Second
}

func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

type Peer struct {
	ID      string
	Address string
}

func (c Config) PeerList() ([]Peer, error) {
	peers := make([]Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("%w: peer %q, want id=address", ErrInvalid, p)
		}
		peers = append(peers, Peer{ID: id, Address: addr})
	}
	return peers, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendRaft:
		if len(c.ExplicitServerAddresses) == 0 {
			return fmt.Errorf("%w: raft backend needs explicit_server_addresses", ErrInvalid)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis backend needs redis_addr", ErrInvalid)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}

	if c.WaitTimeoutSeconds < 0 {
		return fmt.Errorf("%w: wait_timeout_seconds must not be negative", ErrInvalid)
	}
	if c.LeaseTimeSeconds <= 0 {
		return fmt.Errorf("%w: lease_time_seconds must be positive", ErrInvalid)
	}
	if c.HeartbeatSeconds <= 0 || c.RetryBudget <= 0 {
		return fmt.Errorf("%w: heartbeat_seconds and retry_budget must be positive", ErrInvalid)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.LogLevel)
	}
	_, err := c.PeerList()
	return err
}

// NewLogger is the root logger of the process.
func (c Config) NewLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "clusterlock",
		Level:      hclog.LevelFromString(c.LogLevel),
		JSONFormat: c.LogJSON,
	})
}

// LoadFile overlays the YAML document at path on base. Keys missing from
// the document keep their value from base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.CoordinationConfigFile = path
	return cfg, nil
}

// WriteDefault writes the default configuration to path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# clusterlock configuration")
	fmt.Fprintf(f, "# every key can be overridden by %s_<KEY> or the matching flag\n", EnvPrefix)

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return enc.Close()
}

// comma separated flag value
type stringList struct {
	target *[]string
}

func (s stringList) String() string {
	if s.target == nil {
		return ""
	}
	return strings.Join(*s.target, ",")
}

func (s stringList) Set(v string) error {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*s.target = out
	return nil
}

// BindFlags registers a flag per option on fs, defaulting to cfg's values.
func BindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.InstanceName, "instance-name", cfg.InstanceName, "Name of this instance in logs and status")
	fs.StringVar(&cfg.GroupIdentity, "group-identity", cfg.GroupIdentity, "Cluster group, clients of other groups never contend")
	fs.Var(stringList{&cfg.ExplicitServerAddresses}, "explicit-server-addresses", "Comma separated gRPC addresses of lock servers")
	fs.IntVar(&cfg.WaitTimeoutSeconds, "wait-timeout-seconds", cfg.WaitTimeoutSeconds, "Default time to wait for a lock")
	fs.IntVar(&cfg.LeaseTimeSeconds, "lease-time-seconds", cfg.LeaseTimeSeconds, "Default lease of an acquired lock")

	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Coordination backend: raft, redis or memory")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address of the redis backend")
	fs.IntVar(&cfg.HeartbeatSeconds, "heartbeat-seconds", cfg.HeartbeatSeconds, "Coordination keepalive period")
	fs.IntVar(&cfg.RetryBudget, "retry-budget", cfg.RetryBudget, "Failed keepalives before the coordination service counts as unavailable")

	fs.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "Unique node ID (generates UUID if empty)")
	fs.StringVar(&cfg.RaftAddr, "raft-addr", cfg.RaftAddr, "Raft bind address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC server address")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP gateway address")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory for Raft storage")
	fs.BoolVar(&cfg.Bootstrap, "bootstrap", cfg.Bootstrap, "Bootstrap a new cluster")
	fs.Var(stringList{&cfg.Peers}, "peers", "Comma separated id=raft-address voters added at bootstrap")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: trace, debug, info, warn, error")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Log in JSON")
}

// finds -config in args before flags are parsed, the file sits below env
// and flags so it has to be read first
func configPath(args []string) string {
	path := os.Getenv(EnvPrefix + "_CONFIG")
	for i := 0; i < len(args); i++ {
		arg := strings.TrimLeft(args[i], "-")
		if len(arg) == len(args[i]) {
			continue
		}
		if v, ok := strings.CutPrefix(arg, "config="); ok {
			path = v
		} else if arg == "config" && i+1 < len(args) {
			path = args[i+1]
			i++
		}
	}
	return path
}

// Load builds the configuration from args on flag.CommandLine, where the
// environment overrides of envy apply. Extra flags registered on
// flag.CommandLine beforehand are parsed along.
func Load(args []string) (Config, error) {
	cfg := Default()

	if path := configPath(args); path != "" {
		var err error
		if cfg, err = LoadFile(path, cfg); err != nil {
			return Config{}, err
		}
	}

	fs := flag.CommandLine
	file := cfg.CoordinationConfigFile
	fs.StringVar(&cfg.CoordinationConfigFile, "config", file, "YAML configuration file")
	BindFlags(fs, &cfg)

	envy.Parse(EnvPrefix)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
