// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wormhole/cmd/wormhole/cli"
	"github.com/bureau-foundation/wormhole/lib/config"
	"github.com/bureau-foundation/wormhole/lib/host"
	"github.com/bureau-foundation/wormhole/lib/lockmgr"
	"github.com/bureau-foundation/wormhole/lib/share"
)

type hostFlags struct {
	common   commonFlags
	name     string
	listen   string
	writable bool
	rate     float64
}

// apply copies the flags the user set over cfg. An optional positional
// argument names the share directory.
func (f *hostFlags) apply(flagSet *pflag.FlagSet, args []string, cfg *config.Config) error {
	if len(args) > 1 {
		return fmt.Errorf("expected at most one directory, got %d arguments", len(args))
	}
	if len(args) == 1 {
		cfg.Host.Share = args[0]
	}
	if flagSet.Changed("name") {
		cfg.Host.Name = f.name
	}
	if flagSet.Changed("listen") {
		cfg.Host.Listen = f.listen
	}
	if flagSet.Changed("writable") {
		cfg.Host.Writable = f.writable
	}
	if flagSet.Changed("request-rate") {
		cfg.Host.RequestRate = f.rate
	}
	return nil
}

func hostCommand() *cli.Command {
	var flags hostFlags
	var flagSet *pflag.FlagSet

	return &cli.Command{
		Name:    "host",
		Summary: "Share a local directory with remote peers",
		Description: `Serve a directory to wormhole mounts until interrupted.

The share is read-only unless --writable (or host.writable) is set.
Writers are arbitrated with host-side leases; every change is pushed
to the other mounted peers as an invalidation.`,
		Usage: "wormhole host [flags] [directory]",
		Examples: []cli.Example{
			{
				Description: "Share a photo library read-only on the default port",
				Command:     "wormhole host ~/Photos",
			},
			{
				Description: "Share a build tree writable over WebRTC",
				Command:     "wormhole host --writable --transport webrtc --name builder ./out",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet = pflag.NewFlagSet("host", pflag.ContinueOnError)
			flags.common.register(flagSet)
			flagSet.StringVar(&flags.name, "name", "", "peer name announced to clients (default: hostname)")
			flagSet.StringVar(&flags.listen, "listen", "", "TCP listen address (overrides host.listen)")
			flagSet.BoolVarP(&flags.writable, "writable", "w", false, "allow clients to modify the share")
			flagSet.Float64Var(&flags.rate, "request-rate", 0, "requests per second per peer; negative disables the limit")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			cfg, err := flags.common.load()
			if err != nil {
				return err
			}
			if err := flags.apply(flagSet, args, cfg); err != nil {
				return err
			}
			if err := cfg.ValidateHost(); err != nil {
				return err
			}
			logger, err := flags.common.logger()
			if err != nil {
				return err
			}
			return runHost(ctx, cfg, logger)
		},
	}
}

func runHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	name := localName(cfg.Host.Name)

	served, err := share.New(share.Options{
		Root:      cfg.Host.Share,
		ReadOnly:  !cfg.Host.Writable,
		MaxInodes: cfg.Host.MaxInodes,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	auth, err := authenticator(cfg.Transport, promptPassphrase)
	if err != nil {
		return err
	}

	h, err := host.New(host.Options{
		Share: served,
		Locks: lockmgr.New(lockmgr.Options{
			Logger:     logger,
			DefaultTTL: cfg.Client.LockTTL.Std(),
		}),
		Name:               name,
		Authenticator:      auth,
		MaxConcurrent:      cfg.Host.MaxConcurrent,
		RequestRate:        cfg.Host.RequestRate,
		RequestBurst:       cfg.Host.RequestBurst,
		MaxSessionDuration: cfg.Host.MaxSessionDuration.Std(),
		KeepAlive:          cfg.Network.KeepAlive.Std(),
		IdleTimeout:        cfg.Network.IdleTimeout.Std(),
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	l, err := listener(cfg, name, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	logger.Info("serving share",
		"share", cfg.Host.Share,
		"name", name,
		"transport", cfg.Transport.Kind,
		"address", l.Address(),
		"writable", cfg.Host.Writable,
		"authenticated", auth != nil,
	)
	if err := h.Serve(ctx, l); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	logger.Info("host stopped")
	return nil
}
