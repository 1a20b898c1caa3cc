// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file read by [Load].
const EnvironmentVariable = "WORMHOLE_CONFIG"

// Config is the complete wormhole configuration.
type Config struct {
	// Host configures sharing a local directory.
	Host HostConfig `yaml:"host"`

	// Client configures mounting a remote share.
	Client ClientConfig `yaml:"client"`

	// Cache configures the client's chunk cache.
	Cache CacheConfig `yaml:"cache"`

	// Network configures session timing shared by both sides.
	Network NetworkConfig `yaml:"network"`

	// Transport selects how peers reach each other and who they are.
	Transport TransportConfig `yaml:"transport"`
}

// HostConfig configures the serving side.
type HostConfig struct {
	// Name is announced to clients and used in the peer handshake.
	Name string `yaml:"name"`

	// Share is the directory to serve.
	Share string `yaml:"share"`

	// Listen is the TCP address for the tcp transport.
	// Default: 0.0.0.0:4433
	Listen string `yaml:"listen"`

	// Writable allows clients to modify the share.
	// Default: false
	Writable bool `yaml:"writable"`

	// RequestRate is sustained requests per second per peer. Negative
	// disables the limit.
	// Default: 2000
	RequestRate float64 `yaml:"request_rate"`

	// RequestBurst is the rate limiter's bucket depth.
	// Default: 500
	RequestBurst int `yaml:"request_burst"`

	// MaxConcurrent bounds in-flight requests per session.
	// Default: 64
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxSessionDuration ends long-lived sessions.
	// Default: 24h
	MaxSessionDuration Duration `yaml:"max_session_duration"`

	// MaxInodes bounds the host's inode table.
	// Default: 1000000
	MaxInodes int `yaml:"max_inodes"`
}

// ClientConfig configures the mounting side.
type ClientConfig struct {
	// Name identifies this client to the host.
	Name string `yaml:"name"`

	// Remote is the host to mount: host:port for the tcp transport,
	// the host's peer name for webrtc.
	Remote string `yaml:"remote"`

	// Mountpoint is where the share appears.
	Mountpoint string `yaml:"mountpoint"`

	// AllowOther lets other users see the mount.
	AllowOther bool `yaml:"allow_other"`

	// ReadOnly mounts the share read-only even if the host allows writes.
	ReadOnly bool `yaml:"read_only"`

	// PrefetchThreshold is the number of sequential chunk advances
	// before prefetching starts.
	// Default: 2
	PrefetchThreshold int `yaml:"prefetch_threshold"`

	// ReadAheadChunks is how many chunks are prefetched.
	// Default: 4
	ReadAheadChunks int `yaml:"read_ahead_chunks"`

	// AttrTTL bounds how long attributes and listings are trusted.
	// Default: 1s
	AttrTTL Duration `yaml:"attr_ttl"`

	// LockTTL is the lifetime asked for write leases.
	// Default: 30s
	LockTTL Duration `yaml:"lock_ttl"`

	// QueueDepth bounds requests waiting for the mount actor.
	// Default: 64
	QueueDepth int `yaml:"queue_depth"`

	// MaxInflight bounds concurrent requests to the host.
	// Default: 16
	MaxInflight int `yaml:"max_inflight"`

	// WriteBackDelay is how long written data may stay buffered on
	// the client before it is sent to the host. Close and fsync send
	// it sooner.
	// Default: 1s
	WriteBackDelay Duration `yaml:"write_back_delay"`

	// MaxDirtyChunks bounds buffered written chunks across the mount;
	// reaching it starts writing everything back.
	// Default: 256
	MaxDirtyChunks int `yaml:"max_dirty_chunks"`

	// WriteThrough sends every write to the host before it returns.
	WriteThrough bool `yaml:"write_through"`
}

// CacheConfig configures the two-tier chunk cache.
type CacheConfig struct {
	// Directory holds the disk tier's cache device.
	// Default: ~/.cache/wormhole
	Directory string `yaml:"directory"`

	// MemoryEntries bounds the memory tier in chunks.
	// Default: 4000
	MemoryEntries int `yaml:"memory_entries"`

	// DiskBytes sizes the disk tier. Zero disables it.
	// Default: 10 GiB
	DiskBytes int64 `yaml:"disk_bytes"`
}

// NetworkConfig configures session timing.
type NetworkConfig struct {
	// ConnectTimeout bounds a single dial and handshake.
	// Default: 10s
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// RequestTimeout bounds a single request to the host.
	// Default: 30s
	RequestTimeout Duration `yaml:"request_timeout"`

	// KeepAlive is the ping interval on a quiet connection.
	// Default: 15s
	KeepAlive Duration `yaml:"keepalive"`

	// IdleTimeout tears down a connection that hears nothing.
	// Default: 45s
	IdleTimeout Duration `yaml:"idle_timeout"`

	// BackoffBase and BackoffMax bound reconnect delays.
	// Default: 200ms and 10s
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`

	// MaxAttempts is how many reconnects are tried before calls fail.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`
}

// Transport kinds.
const (
	TransportTCP    = "tcp"
	TransportWebRTC = "webrtc"
)

// TransportConfig selects the peer transport and identities.
type TransportConfig struct {
	// Kind is "tcp" or "webrtc".
	// Default: tcp
	Kind string `yaml:"kind"`

	// SignalDirectory is the shared directory WebRTC peers exchange
	// offers and answers through.
	SignalDirectory string `yaml:"signal_directory"`

	// ICEServers lists STUN and TURN URLs. TURN servers share
	// TURNUsername and TURNCredential.
	ICEServers     []string `yaml:"ice_servers"`
	TURNUsername   string   `yaml:"turn_username"`
	TURNCredential string   `yaml:"turn_credential"`

	// Identity is the Ed25519 private key file. Empty disables the
	// peer handshake.
	Identity string `yaml:"identity"`

	// Peers maps peer names to their base64 public keys.
	Peers map[string]string `yaml:"peers"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", node.Line)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Default returns the configuration used for every field a file leaves
// unset.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Host: HostConfig{
			Listen:             "0.0.0.0:4433",
			RequestRate:        2000,
			RequestBurst:       500,
			MaxConcurrent:      64,
			MaxSessionDuration: Duration(24 * time.Hour),
			MaxInodes:          1_000_000,
		},
		Client: ClientConfig{
			PrefetchThreshold: 2,
			ReadAheadChunks:   4,
			AttrTTL:           Duration(time.Second),
			LockTTL:           Duration(30 * time.Second),
			QueueDepth:        64,
			MaxInflight:       16,
			WriteBackDelay:    Duration(time.Second),
			MaxDirtyChunks:    256,
		},
		Cache: CacheConfig{
			Directory:     filepath.Join(homeDir, ".cache", "wormhole"),
			MemoryEntries: 4000,
			DiskBytes:     10 << 30,
		},
		Network: NetworkConfig{
			ConnectTimeout: Duration(10 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
			KeepAlive:      Duration(15 * time.Second),
			IdleTimeout:    Duration(45 * time.Second),
			BackoffBase:    Duration(200 * time.Millisecond),
			BackoffMax:     Duration(10 * time.Second),
			MaxAttempts:    5,
		},
		Transport: TransportConfig{
			Kind: TransportTCP,
		},
	}
}

// Load loads the file named by WORMHOLE_CONFIG. There is no search
// path: without the variable this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your wormhole.yaml config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads a YAML file, or a JSON file with comments when the
// name ends in .json or .jsonc, over [Default]. Path fields have ${VAR}
// and ${VAR:-default} expanded.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is valid YAML, so one decoder serves both once the
		// comments and trailing commas are gone.
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Host.Share = expandVars(c.Host.Share, vars)
	c.Client.Mountpoint = expandVars(c.Client.Mountpoint, vars)
	c.Cache.Directory = expandVars(c.Cache.Directory, vars)
	c.Transport.SignalDirectory = expandVars(c.Transport.SignalDirectory, vars)
	c.Transport.Identity = expandVars(c.Transport.Identity, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, looking in vars
// before the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// CachePath is the disk tier's device file, or "" when the disk tier
// is disabled.
func (c *Config) CachePath() string {
	if c.Cache.DiskBytes == 0 || c.Cache.Directory == "" {
		return ""
	}
	return filepath.Join(c.Cache.Directory, "chunks.cache")
}

// ValidateHost checks the fields the host command needs.
func (c *Config) ValidateHost() error {
	var errs []error
	if c.Host.Share == "" {
		errs = append(errs, errors.New("host.share is required"))
	}
	if c.Transport.Kind == TransportTCP {
		if _, _, err := net.SplitHostPort(c.Host.Listen); err != nil {
			errs = append(errs, fmt.Errorf("host.listen: %w", err))
		}
	}
	if c.Host.MaxInodes <= 0 {
		errs = append(errs, errors.New("host.max_inodes must be positive"))
	}
	errs = append(errs, c.Validate())
	return errors.Join(errs...)
}

// ValidateClient checks the fields the mount command needs.
func (c *Config) ValidateClient() error {
	var errs []error
	if c.Client.Remote == "" {
		errs = append(errs, errors.New("client.remote is required"))
	}
	if c.Client.Mountpoint == "" {
		errs = append(errs, errors.New("client.mountpoint is required"))
	}
	errs = append(errs, c.Validate())
	return errors.Join(errs...)
}

// Validate checks the fields shared by every command.
func (c *Config) Validate() error {
	var errs []error

	positive := []struct {
		name  string
		value int
	}{
		{"client.prefetch_threshold", c.Client.PrefetchThreshold},
		{"client.read_ahead_chunks", c.Client.ReadAheadChunks},
		{"client.queue_depth", c.Client.QueueDepth},
		{"client.max_inflight", c.Client.MaxInflight},
		{"client.max_dirty_chunks", c.Client.MaxDirtyChunks},
		{"cache.memory_entries", c.Cache.MemoryEntries},
		{"network.max_attempts", c.Network.MaxAttempts},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", field.name, field.value))
		}
	}
	if c.Cache.DiskBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.disk_bytes must not be negative, got %d", c.Cache.DiskBytes))
	}

	durations := []struct {
		name  string
		value Duration
	}{
		{"client.attr_ttl", c.Client.AttrTTL},
		{"client.lock_ttl", c.Client.LockTTL},
		{"client.write_back_delay", c.Client.WriteBackDelay},
		{"network.connect_timeout", c.Network.ConnectTimeout},
		{"network.request_timeout", c.Network.RequestTimeout},
		{"network.keepalive", c.Network.KeepAlive},
		{"network.idle_timeout", c.Network.IdleTimeout},
		{"network.backoff_base", c.Network.BackoffBase},
		{"network.backoff_max", c.Network.BackoffMax},
	}
	for _, field := range durations {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", field.name, field.value))
		}
	}
	if c.Network.IdleTimeout <= c.Network.KeepAlive {
		errs = append(errs, fmt.Errorf("network.idle_timeout (%s) must exceed network.keepalive (%s)",
			c.Network.IdleTimeout, c.Network.KeepAlive))
	}

	switch c.Transport.Kind {
	case TransportTCP:
	case TransportWebRTC:
		if c.Transport.SignalDirectory == "" {
			errs = append(errs, errors.New("transport.signal_directory is required for the webrtc transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be %q or %q, got %q", TransportTCP, TransportWebRTC, c.Transport.Kind))
	}
	if len(c.Transport.Peers) > 0 && c.Transport.Identity == "" {
		errs = append(errs, errors.New("transport.peers requires transport.identity"))
	}

	return errors.Join(errs...)
}
