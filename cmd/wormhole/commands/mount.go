// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wormhole/cmd/wormhole/cli"
	"github.com/bureau-foundation/wormhole/lib/chunkcache"
	"github.com/bureau-foundation/wormhole/lib/config"
	"github.com/bureau-foundation/wormhole/lib/governor"
	"github.com/bureau-foundation/wormhole/lib/mount"
	"github.com/bureau-foundation/wormhole/lib/session"
	"github.com/bureau-foundation/wormhole/lib/vfs"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

type mountFlags struct {
	common     commonFlags
	name       string
	readOnly   bool
	allowOther bool
	cacheDir   string
	noDisk     bool
}

// apply copies the flags the user set over cfg. Positional arguments
// are the remote and the mountpoint, in that order.
func (f *mountFlags) apply(flagSet *pflag.FlagSet, args []string, cfg *config.Config) error {
	switch len(args) {
	case 0:
	case 1:
		cfg.Client.Remote = args[0]
	case 2:
		cfg.Client.Remote, cfg.Client.Mountpoint = args[0], args[1]
	default:
		return fmt.Errorf("expected <remote> <mountpoint>, got %d arguments", len(args))
	}
	if flagSet.Changed("name") {
		cfg.Client.Name = f.name
	}
	if flagSet.Changed("read-only") {
		cfg.Client.ReadOnly = f.readOnly
	}
	if flagSet.Changed("allow-other") {
		cfg.Client.AllowOther = f.allowOther
	}
	if flagSet.Changed("cache-dir") {
		cfg.Cache.Directory = f.cacheDir
	}
	if f.noDisk {
		cfg.Cache.DiskBytes = 0
	}
	return nil
}

// capabilities asks for everything the mount can use. Write is left
// out of a read-only mount so the host never grants it.
func capabilities(readOnly bool) []string {
	if readOnly {
		return []string{wire.CapabilityCompression, wire.CapabilityInvalidate}
	}
	return []string{wire.CapabilityCompression, wire.CapabilityWrite, wire.CapabilityInvalidate}
}

func mountCommand() *cli.Command {
	var flags mountFlags
	var flagSet *pflag.FlagSet

	return &cli.Command{
		Name:    "mount",
		Summary: "Mount a remote share",
		Description: `Mount a host's share at a local directory until interrupted.

The remote is host:port for the tcp transport, or the host's peer name
for webrtc. Reads are served from a two-tier chunk cache; sequential
readers trigger read-ahead. Writes are buffered under a write lease
and sent to the host on close, fsync or after client.write_back_delay.`,
		Usage: "wormhole mount [flags] <remote> <mountpoint>",
		Examples: []cli.Example{
			{
				Description: "Mount a desktop's share over the LAN",
				Command:     "wormhole mount desktop.lan:4433 ~/mnt/desktop",
			},
			{
				Description: "Mount read-only over WebRTC without a disk cache",
				Command:     "wormhole mount --transport webrtc --read-only --no-disk-cache builder /mnt/builds",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet = pflag.NewFlagSet("mount", pflag.ContinueOnError)
			flags.common.register(flagSet)
			flagSet.StringVar(&flags.name, "name", "", "client name sent to the host (default: hostname)")
			flagSet.BoolVarP(&flags.readOnly, "read-only", "r", false, "mount read-only")
			flagSet.BoolVar(&flags.allowOther, "allow-other", false, "let other users access the mount")
			flagSet.StringVar(&flags.cacheDir, "cache-dir", "", "chunk cache directory (overrides cache.directory)")
			flagSet.BoolVar(&flags.noDisk, "no-disk-cache", false, "keep chunks in memory only")
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
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			logger, err := flags.common.logger()
			if err != nil {
				return err
			}
			return runMount(ctx, cfg, logger)
		},
	}
}

func runMount(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	name := localName(cfg.Client.Name)

	if path := cfg.CachePath(); path != "" {
		if err := os.MkdirAll(cfg.Cache.Directory, 0o700); err != nil {
			return fmt.Errorf("creating cache directory: %w", err)
		}
	}
	cache, err := chunkcache.New(chunkcache.Options{
		MemoryEntries: cfg.Cache.MemoryEntries,
		DiskPath:      cfg.CachePath(),
		DiskBytes:     cfg.Cache.DiskBytes,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("opening chunk cache: %w", err)
	}
	defer cache.Close()

	auth, err := authenticator(cfg.Transport, promptPassphrase)
	if err != nil {
		return err
	}
	dial, release, err := dialer(cfg, name, logger)
	if err != nil {
		return err
	}
	defer release()

	// The actor does not exist until the session is up, but the
	// session's callbacks must reach it afterwards.
	var actor atomic.Pointer[mount.Actor]
	var connected atomic.Bool
	restarted := make(chan struct{}, 1)

	peerName := ""
	if cfg.Transport.Kind == config.TransportWebRTC {
		peerName = cfg.Client.Remote
	}
	client := session.NewClient(session.ClientOptions{
		Dialer:        dial,
		Address:       cfg.Client.Remote,
		Authenticator: auth,
		LocalName:     name,
		PeerName:      peerName,
		ClientName:    name,
		Capabilities:  capabilities(cfg.Client.ReadOnly),
		BackoffBase:   cfg.Network.BackoffBase.Std(),
		BackoffMax:    cfg.Network.BackoffMax.Std(),
		MaxAttempts:   cfg.Network.MaxAttempts,
		KeepAlive:     cfg.Network.KeepAlive.Std(),
		IdleTimeout:   cfg.Network.IdleTimeout.Std(),
		Observer: func(event session.Event) {
			switch event.State {
			case session.Established:
				logger.Info("session established", "remote", cfg.Client.Remote, "attempt", event.Attempt)
				a := actor.Load()
				switch {
				case event.Restarted:
					logger.Error("host restarted; open files are stale", "remote", cfg.Client.Remote)
					if a != nil {
						a.Stale()
					}
					select {
					case restarted <- struct{}{}:
					default:
					}
				case connected.Swap(true) && a != nil:
					// A new session means the host dropped our leases and
					// may have changed anything while we were away. The
					// reset is queued before any call can use the session.
					a.Reset()
				}
			case session.Degraded:
				logger.Warn("session degraded", "remote", cfg.Client.Remote, "attempt", event.Attempt, "error", event.Err)
			case session.Lost:
				logger.Error("host unreachable", "remote", cfg.Client.Remote, "attempts", event.Attempt, "error", event.Err)
			}
		},
		OnMessage: func(message wire.Message) {
			if a := actor.Load(); a != nil {
				a.HandleMessage(message)
			}
		},
		Logger: logger,
	})
	defer client.Close()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Network.ConnectTimeout.Std())
	ack, err := client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Client.Remote, err)
	}

	a, err := mount.New(mount.Options{
		Caller: client,
		Cache:  cache,
		Governor: governor.New(governor.Options{
			Threshold: cfg.Client.PrefetchThreshold,
			Lookahead: cfg.Client.ReadAheadChunks,
		}),
		QueueDepth:  cfg.Client.QueueDepth,
		MaxInflight: cfg.Client.MaxInflight,
		AttrTTL:     cfg.Client.AttrTTL.Std(),
		LockTTL:     cfg.Client.LockTTL.Std(),
		CallTimeout: cfg.Network.RequestTimeout.Std(),

		WriteBackDelay: cfg.Client.WriteBackDelay.Std(),
		MaxDirtyChunks: cfg.Client.MaxDirtyChunks,
		WriteThrough:   cfg.Client.WriteThrough,

		Logger: logger,
	})
	if err != nil {
		return err
	}
	actor.Store(a)
	defer a.Close()

	readOnly := cfg.Client.ReadOnly || ack.ReadOnly || !client.HasCapability(wire.CapabilityWrite)
	server, err := vfs.Mount(vfs.Options{
		Mountpoint:  cfg.Client.Mountpoint,
		Engine:      a,
		Name:        ack.HostName,
		AllowOther:  cfg.Client.AllowOther,
		ReadOnly:    readOnly,
		AttrTimeout: cfg.Client.AttrTTL.Std(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("mounting %s: %w", cfg.Client.Mountpoint, err)
	}

	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	logger.Info("mounted",
		"remote", cfg.Client.Remote,
		"address", client.RemoteAddr(),
		"host", ack.HostName,
		"session", ack.SessionID,
		"mountpoint", cfg.Client.Mountpoint,
		"read_only", readOnly,
		"disk_cache", cfg.CachePath(),
	)

	select {
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			// Usually a process still has a file open; the mount stays
			// until the kernel lets go.
			logger.Error("unmount failed", "mountpoint", cfg.Client.Mountpoint, "error", err)
		}
	case <-unmounted:
		logger.Info("unmounted externally", "mountpoint", cfg.Client.Mountpoint)
	case <-a.Done():
		server.Unmount()
	case <-restarted:
		// Inode numbers the kernel holds name nothing on the new host.
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "mountpoint", cfg.Client.Mountpoint, "error", err)
		}
		return fmt.Errorf("host %s restarted; remount to continue", cfg.Client.Remote)
	}

	syncCtx, cancelSync := context.WithTimeout(context.Background(), cfg.Network.RequestTimeout.Std())
	defer cancelSync()
	if err := a.Sync(syncCtx); err != nil {
		logger.Error("writing back buffered data failed", "error", err)
	}

	statsCtx, cancelStats := context.WithTimeout(context.Background(), time.Second)
	defer cancelStats()
	if stats, err := a.Stats(statsCtx); err == nil {
		logger.Info("mount stopped",
			"requests", stats.Requests,
			"cache_hits", stats.CacheHits,
			"fetches", stats.Fetches,
			"prefetches", stats.Prefetches,
			"checksum_failures", stats.ChecksumFailures,
			"write_backs", stats.WriteBacks,
			"dirty_chunks", stats.DirtyChunks,
			"tracked_files", stats.TrackedFiles,
		)
	}
	return nil
}
