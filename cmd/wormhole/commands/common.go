// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wormhole/cmd/wormhole/cli"
	"github.com/bureau-foundation/wormhole/lib/config"
	"github.com/bureau-foundation/wormhole/transport"
)

// commonFlags are registered by every long-running command.
type commonFlags struct {
	configPath string
	logLevel   string
	transport  string
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&f.configPath, "config", "c", "", "config file (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&f.transport, "transport", "", "transport kind: tcp or webrtc (overrides transport.kind)")
}

// load reads the configuration named by --config, else the file named
// by WORMHOLE_CONFIG, else the defaults.
func (f *commonFlags) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case f.configPath != "":
		cfg, err = config.LoadFile(f.configPath)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if f.transport != "" {
		cfg.Transport.Kind = f.transport
	}
	return cfg, nil
}

func (f *commonFlags) logger() (*slog.Logger, error) {
	level, err := cli.ParseLevel(f.logLevel)
	if err != nil {
		return nil, err
	}
	return cli.NewLogger(level), nil
}

// localName is the configured peer name, or the hostname.
func localName(configured string) string {
	if configured != "" {
		return configured
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "wormhole"
}

// authenticator builds the Ed25519 handshake from the identity file
// and trusted peer keys. It returns nil when no identity is configured.
func authenticator(settings config.TransportConfig, passphrase passphraseFunc) (transport.PeerAuthenticator, error) {
	if settings.Identity == "" {
		return nil, nil
	}
	privateKey, err := loadIdentity(settings.Identity, passphrase)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	names := make([]string, 0, len(settings.Peers))
	for name := range settings.Peers {
		names = append(names, name)
	}
	sort.Strings(names)

	peers := make(map[string]ed25519.PublicKey, len(names))
	for _, name := range names {
		key, err := transport.ParsePublicKey(settings.Peers[name])
		if err != nil {
			return nil, fmt.Errorf("transport.peers[%s]: %w", name, err)
		}
		peers[name] = key
	}
	return transport.NewEd25519Authenticator(privateKey, peers), nil
}

func iceConfig(settings config.TransportConfig) transport.ICEConfig {
	return transport.ICEConfigFromURLs(settings.ICEServers, settings.TURNUsername, settings.TURNCredential)
}

// listener returns the host's transport listener.
func listener(cfg *config.Config, name string, logger *slog.Logger) (transport.Listener, error) {
	switch cfg.Transport.Kind {
	case config.TransportWebRTC:
		signaler, err := transport.NewFileSignaler(cfg.Transport.SignalDirectory)
		if err != nil {
			return nil, fmt.Errorf("opening signal directory: %w", err)
		}
		return transport.NewWebRTCTransport(signaler, name, iceConfig(cfg.Transport), logger), nil
	case config.TransportTCP:
		return transport.NewTCPListener(cfg.Host.Listen)
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
}

// dialer returns the client's transport dialer and a function that
// releases it.
func dialer(cfg *config.Config, name string, logger *slog.Logger) (transport.Dialer, func(), error) {
	switch cfg.Transport.Kind {
	case config.TransportWebRTC:
		signaler, err := transport.NewFileSignaler(cfg.Transport.SignalDirectory)
		if err != nil {
			return nil, nil, fmt.Errorf("opening signal directory: %w", err)
		}
		webrtc := transport.NewWebRTCTransport(signaler, name, iceConfig(cfg.Transport), logger)
		return webrtc, func() { webrtc.Close() }, nil
	case config.TransportTCP:
		return &transport.TCPDialer{
			Timeout:   cfg.Network.ConnectTimeout.Std(),
			KeepAlive: cfg.Network.KeepAlive.Std(),
		}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
}
