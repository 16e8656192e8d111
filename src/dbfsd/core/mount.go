package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"

	"github.com/bitswalk/dbfsd/src/common/logs"
	"github.com/bitswalk/dbfsd/src/dbfsd/cachestore"
	"github.com/bitswalk/dbfsd/src/dbfsd/conn"
	"github.com/bitswalk/dbfsd/src/dbfsd/config"
	"github.com/bitswalk/dbfsd/src/dbfsd/dbfs"
	"github.com/bitswalk/dbfsd/src/dbfsd/diag"
	"github.com/bitswalk/dbfsd/src/dbfsd/schema"
)

// flushInterval is how often Mount flushes the reflector's in-memory
// primary-key cache to the durable cachestore.
const flushInterval = 5 * time.Minute

// Mount connects to cfg.Server, warms the schema reflector from any
// existing cache snapshot, registers the ten FUSE upcalls at
// cfg.Mountpoint, and blocks until a signal or fuse.Unmount tears the
// mount down — mirroring ldfd's Server.Run, minus the HTTP listener.
func Mount(cfg *config.Config, log *logs.Logger) error {
	c, err := conn.Open(conn.Config{Server: cfg.Server, User: cfg.User, Password: cfg.Password}, log)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Server, err)
	}
	defer c.Close()

	refl := schema.New(c)

	store, err := openCache(cfg, log)
	if err != nil {
		log.Warn("cache store unavailable, starting cold", "error", err)
	}
	if store != nil {
		defer store.Close()
		if snapshot, err := store.LoadAll(); err != nil {
			log.Warn("failed to load cache snapshot", "error", err)
		} else {
			refl.Warm(snapshot)
			log.Info("warmed schema cache", "entries", len(snapshot))
		}
	}

	fs := dbfs.New(c, refl, dbfs.Options{ReadOnly: cfg.ReadOnly, UseCorrectCodes: cfg.UseCorrectCodes}, log)

	nfs := pathfs.NewPathNodeFs(dbfs.NewFileSystem(fs), nil)
	fsConn := nodefs.NewFileSystemConnector(nfs.Root(), nodefs.NewOptions())
	server, err := fuse.NewServer(fsConn.RawFS(), cfg.Mountpoint, &fuse.MountOptions{
		Name:   "dbfsd",
		FsName: cfg.Server,
		// Upcalls share one connection and its selected database, so they
		// are dispatched one at a time.
		SingleThreaded: true,
	})
	if err != nil {
		return fmt.Errorf("mount %s: %w", cfg.Mountpoint, err)
	}

	var diagServer *diag.Server
	if cfg.Debug {
		flags := diag.Flags{ReadOnly: cfg.ReadOnly, Force: cfg.Force, UseCorrectCodes: cfg.UseCorrectCodes}
		var stats diag.StatsProvider
		if store != nil {
			stats = store
		}
		diagServer, err = diag.Start(diag.Config{Port: cfg.DebugPort, PrintToken: cfg.DebugPrintToken}, refl, stats, flags, log)
		if err != nil {
			log.Warn("diagnostics API failed to start", "error", err)
		}
	}

	stopFlush := make(chan struct{})
	if store != nil {
		go flushLoop(store, refl, log, stopFlush)
	}

	log.Info("mounted", "mountpoint", cfg.Mountpoint, "server", cfg.Server, "read_only", cfg.ReadOnly)

	served := make(chan struct{})
	go func() {
		server.Serve()
		close(served)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-served:
		// Unmounted externally (e.g. `fusermount -u`); fall through to
		// the same shutdown path so the cache still gets persisted.
	}

	close(stopFlush)
	if diagServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		diagServer.Shutdown(ctx)
		cancel()
	}
	if store != nil {
		persistCache(cfg, store, refl, log)
	}

	log.Info("unmounting", "mountpoint", cfg.Mountpoint)
	if err := server.Unmount(); err != nil {
		log.Debug("unmount returned an error (mount may already be gone)", "error", err)
	}
	return nil
}

// Unmount implements the `unmount` configuration key: it first tries the
// transport's own primitive (fuse.Unmount), and only when that fails and
// cfg.Force is set does it fall back to locating a same-mountpoint dbfsd
// process via /proc/*/cmdline and signalling it — a safer, still-force
// -gated analogue of the original's unconditional process kill.
func Unmount(cfg *config.Config, log *logs.Logger) error {
	if err := fuse.Unmount(cfg.Mountpoint); err == nil {
		log.Info("unmounted", "mountpoint", cfg.Mountpoint)
		return nil
	} else if !cfg.Force {
		return fmt.Errorf("unmount %s: %w", cfg.Mountpoint, err)
	}

	pid, err := findMountOwner(cfg.Mountpoint)
	if err != nil {
		return fmt.Errorf("locate dbfsd process for %s: %w", cfg.Mountpoint, err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal dbfsd process %d: %w", pid, err)
	}
	log.Info("signalled dbfsd process to unmount", "pid", pid, "mountpoint", cfg.Mountpoint)
	return nil
}

// findMountOwner scans /proc/*/cmdline for a dbfsd invocation whose
// --mountpoint (or -m) argument matches mountpoint, returning its pid.
func findMountOwner(mountpoint string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}

	self := os.Getpid()
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}

		raw, err := os.ReadFile("/proc/" + entry.Name() + "/cmdline")
		if err != nil {
			continue
		}
		args := strings.Split(strings.Trim(string(raw), "\x00"), "\x00")
		if !looksLikeDBFSD(args) {
			continue
		}
		if cmdlineMountpoint(args) == mountpoint {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("no dbfsd process mounted at %s", mountpoint)
}

func looksLikeDBFSD(args []string) bool {
	return len(args) > 0 && strings.Contains(args[0], "dbfsd")
}

func cmdlineMountpoint(args []string) string {
	for i, a := range args {
		if a == "--mountpoint" || a == "-m" {
			if i+1 < len(args) {
				return args[i+1]
			}
		}
		if strings.HasPrefix(a, "--mountpoint=") {
			return strings.TrimPrefix(a, "--mountpoint=")
		}
	}
	return ""
}

func openCache(cfg *config.Config, log *logs.Logger) (*cachestore.Store, error) {
	local := strings.TrimSuffix(cfg.CachePath, ".xz") + ".sqlite"

	if cfg.CacheS3.Enabled {
		mirror := cachestore.NewS3Mirror(cachestore.S3Config{
			Endpoint:        cfg.CacheS3.Endpoint,
			Region:          cfg.CacheS3.Region,
			Bucket:          cfg.CacheS3.Bucket,
			Key:             cfg.CacheS3.Key,
			AccessKeyID:     cfg.CacheS3.AccessKeyID,
			SecretAccessKey: cfg.CacheS3.SecretAccessKey,
			PathStyle:       cfg.CacheS3.PathStyle,
		})
		if _, err := os.Stat(local); os.IsNotExist(err) {
			if err := mirror.Download(context.Background(), cfg.CachePath); err == nil {
				_ = cachestore.ImportCompressed(cfg.CachePath, local)
			}
		}
	} else if _, err := os.Stat(local); os.IsNotExist(err) {
		if _, err := os.Stat(cfg.CachePath); err == nil {
			_ = cachestore.ImportCompressed(cfg.CachePath, local)
		}
	}

	return cachestore.Open(local, log)
}

func flushLoop(store *cachestore.Store, refl *schema.Reflector, log *logs.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := store.PutAll(refl.Snapshot()); err != nil {
				log.Warn("periodic cache flush failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}

func persistCache(cfg *config.Config, store *cachestore.Store, refl *schema.Reflector, log *logs.Logger) {
	if err := store.PutAll(refl.Snapshot()); err != nil {
		log.Warn("final cache flush failed", "error", err)
		return
	}

	local := strings.TrimSuffix(cfg.CachePath, ".xz") + ".sqlite"
	if err := cachestore.ExportCompressed(local, cfg.CachePath); err != nil {
		log.Warn("cache snapshot export failed", "error", err)
		return
	}

	if cfg.CacheS3.Enabled {
		mirror := cachestore.NewS3Mirror(cachestore.S3Config{
			Endpoint:        cfg.CacheS3.Endpoint,
			Region:          cfg.CacheS3.Region,
			Bucket:          cfg.CacheS3.Bucket,
			Key:             cfg.CacheS3.Key,
			AccessKeyID:     cfg.CacheS3.AccessKeyID,
			SecretAccessKey: cfg.CacheS3.SecretAccessKey,
			PathStyle:       cfg.CacheS3.PathStyle,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mirror.Upload(ctx, cfg.CachePath); err != nil {
			log.Warn("cache snapshot S3 mirror failed", "error", err)
		}
	}
}
