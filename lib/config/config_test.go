// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Client.AttrTTL.Std() != time.Second {
		t.Errorf("expected attr_ttl=1s, got %s", cfg.Client.AttrTTL)
	}
	if cfg.Client.PrefetchThreshold != 2 || cfg.Client.ReadAheadChunks != 4 {
		t.Errorf("expected prefetch 2/4, got %d/%d", cfg.Client.PrefetchThreshold, cfg.Client.ReadAheadChunks)
	}
	if cfg.Cache.DiskBytes != 10<<30 {
		t.Errorf("expected disk_bytes=10GiB, got %d", cfg.Cache.DiskBytes)
	}
	if cfg.Transport.Kind != TransportTCP {
		t.Errorf("expected transport tcp, got %s", cfg.Transport.Kind)
	}
	if cfg.Host.Writable {
		t.Error("expected the host to be read-only by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresWormholeConfig(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when WORMHOLE_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "WORMHOLE_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithWormholeConfig(t *testing.T) {
	path := writeConfig(t, "wormhole.yaml", `
host:
  share: /srv/photos
  writable: true
`)
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Host.Share != "/srv/photos" || !cfg.Host.Writable {
		t.Errorf("host section = %+v", cfg.Host)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, "wormhole.yaml", `
client:
  name: laptop
  remote: desktop
  mountpoint: /mnt/photos
  attr_ttl: 250ms
  lock_ttl: 1m
  max_inflight: 8
  write_back_delay: 3s
  write_through: true

cache:
  memory_entries: 100
  disk_bytes: 0

network:
  keepalive: 5s
  idle_timeout: 20s

transport:
  kind: webrtc
  signal_directory: /shared/signal
  ice_servers:
    - stun:stun.example.org:3478
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Client.Name != "laptop" || cfg.Client.Remote != "desktop" || cfg.Client.Mountpoint != "/mnt/photos" {
		t.Errorf("client = %+v", cfg.Client)
	}
	if cfg.Client.AttrTTL.Std() != 250*time.Millisecond {
		t.Errorf("expected attr_ttl=250ms, got %s", cfg.Client.AttrTTL)
	}
	if cfg.Client.LockTTL.Std() != time.Minute {
		t.Errorf("expected lock_ttl=1m, got %s", cfg.Client.LockTTL)
	}
	if cfg.Client.MaxInflight != 8 {
		t.Errorf("expected max_inflight=8, got %d", cfg.Client.MaxInflight)
	}
	if cfg.Client.WriteBackDelay.Std() != 3*time.Second || !cfg.Client.WriteThrough {
		t.Errorf("expected write_back_delay=3s with write_through, got %s, %v", cfg.Client.WriteBackDelay, cfg.Client.WriteThrough)
	}
	// Unset fields keep their defaults.
	if cfg.Client.MaxDirtyChunks != 256 {
		t.Errorf("expected max_dirty_chunks default 256, got %d", cfg.Client.MaxDirtyChunks)
	}
	if cfg.Client.QueueDepth != 64 {
		t.Errorf("expected queue_depth default 64, got %d", cfg.Client.QueueDepth)
	}
	if cfg.CachePath() != "" {
		t.Errorf("expected no cache path with disk_bytes=0, got %q", cfg.CachePath())
	}
	if cfg.Transport.Kind != TransportWebRTC || len(cfg.Transport.ICEServers) != 1 {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if err := cfg.ValidateClient(); err != nil {
		t.Errorf("ValidateClient: %v", err)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	path := writeConfig(t, "wormhole.jsonc", `{
  // Serve the build outputs.
  "host": {
    "share": "/srv/builds",
    "listen": "127.0.0.1:9000",
  },
  "network": {"request_timeout": "5s"}
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Host.Share != "/srv/builds" || cfg.Host.Listen != "127.0.0.1:9000" {
		t.Errorf("host = %+v", cfg.Host)
	}
	if cfg.Network.RequestTimeout.Std() != 5*time.Second {
		t.Errorf("expected request_timeout=5s, got %s", cfg.Network.RequestTimeout)
	}
	if err := cfg.ValidateHost(); err != nil {
		t.Errorf("ValidateHost: %v", err)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "wormhole.yaml", `
client:
  attr_ttl: soon
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("WORMHOLE_TEST_SHARE", "/data/shared")

	path := writeConfig(t, "wormhole.yaml", `
host:
  share: ${WORMHOLE_TEST_SHARE}
client:
  mountpoint: ${HOME}/mnt/remote
cache:
  directory: ${WORMHOLE_TEST_UNSET:-/var/cache/wormhole}
transport:
  identity: ${HOME}/.config/wormhole/identity
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	tests := []struct {
		name, got, want string
	}{
		{"host.share", cfg.Host.Share, "/data/shared"},
		{"client.mountpoint", cfg.Client.Mountpoint, "/home/tester/mnt/remote"},
		{"cache.directory", cfg.Cache.Directory, "/var/cache/wormhole"},
		{"transport.identity", cfg.Transport.Identity, "/home/tester/.config/wormhole/identity"},
	}
	for _, test := range tests {
		if test.got != test.want {
			t.Errorf("%s = %q, want %q", test.name, test.got, test.want)
		}
	}
	if got, want := cfg.CachePath(), "/var/cache/wormhole/chunks.cache"; got != want {
		t.Errorf("CachePath = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "zero inflight",
			modify:  func(c *Config) { c.Client.MaxInflight = 0 },
			wantErr: "client.max_inflight must be positive",
		},
		{
			name:    "zero write-back delay",
			modify:  func(c *Config) { c.Client.WriteBackDelay = 0 },
			wantErr: "client.write_back_delay must be positive",
		},
		{
			name:    "negative disk",
			modify:  func(c *Config) { c.Cache.DiskBytes = -1 },
			wantErr: "cache.disk_bytes must not be negative",
		},
		{
			name:    "idle below keepalive",
			modify:  func(c *Config) { c.Network.IdleTimeout = c.Network.KeepAlive },
			wantErr: "must exceed network.keepalive",
		},
		{
			name:    "unknown transport",
			modify:  func(c *Config) { c.Transport.Kind = "carrier-pigeon" },
			wantErr: "transport.kind must be",
		},
		{
			name:    "webrtc without signal directory",
			modify:  func(c *Config) { c.Transport.Kind = TransportWebRTC },
			wantErr: "transport.signal_directory is required",
		},
		{
			name:    "peers without identity",
			modify:  func(c *Config) { c.Transport.Peers = map[string]string{"desktop": "key"} },
			wantErr: "transport.peers requires transport.identity",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("error %q does not mention %q", err, test.wantErr)
			}
		})
	}
}

func TestValidateHostAndClientRequireTheirPaths(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateHost(); err == nil || !strings.Contains(err.Error(), "host.share is required") {
		t.Errorf("ValidateHost = %v, want host.share error", err)
	}
	err := cfg.ValidateClient()
	for _, want := range []string{"client.remote is required", "client.mountpoint is required"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("ValidateClient = %v, want %q", err, want)
		}
	}

	cfg.Host.Listen = "no-port"
	cfg.Host.Share = "/srv"
	if err := cfg.ValidateHost(); err == nil || !strings.Contains(err.Error(), "host.listen") {
		t.Errorf("ValidateHost with bad listen = %v", err)
	}
}
