package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/jamesainslie/plexport/pkg/daemon"
	"github.com/jamesainslie/plexport/pkg/daemon/broadcaster"
	"github.com/jamesainslie/plexport/pkg/daemon/coordinator"
	"github.com/jamesainslie/plexport/pkg/daemon/delivery"
	"github.com/jamesainslie/plexport/pkg/daemon/executor"
	"github.com/jamesainslie/plexport/pkg/daemon/store"
	"github.com/jamesainslie/plexport/pkg/plexport/config"
	"github.com/jamesainslie/plexport/pkg/plexport/content"
	"github.com/jamesainslie/plexport/pkg/plexport/fetch"
	"github.com/jamesainslie/plexport/pkg/plexport/logging"
	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
	"github.com/jamesainslie/plexport/pkg/plexport/storage"
	"github.com/jamesainslie/plexport/pkg/plexport/worker"
)

// Set by ldflags.
var version = "dev"

func main() {
	foreground := pflag.BoolP("foreground", "f", false, "also log to stderr")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("plexportd %s\n", version)
		return
	}

	if err := run(*foreground); err != nil {
		fmt.Fprintf(os.Stderr, "plexportd: %v\n", err)
		os.Exit(1)
	}
}

type paths struct {
	socket string
	pid    string
	db     string
	status string
}

func resolvePaths(cfg *config.Config) paths {
	p := paths{
		socket: cfg.Daemon.SocketPath,
		pid:    cfg.Daemon.PIDPath,
		db:     cfg.Daemon.DBPath,
	}
	if p.socket == "" {
		p.socket = config.DefaultSocketPath()
	}
	if p.pid == "" {
		p.pid = config.DefaultPIDPath()
	}
	if p.db == "" {
		p.db = config.DefaultDBPath()
	}
	p.status = daemon.StatusPath(p.pid)
	return p
}

func loadConfig(log *logging.Logger) (*config.Config, error) {
	cfg, err := config.Watch(func(c *config.Config, err error) {
		if err != nil {
			log.Warn("config reload failed, keeping previous settings", "error", err)
			return
		}
		if err := logging.SetLevels(c.Logging.Level, c.Logging.Components); err != nil {
			log.Warn("applying log levels failed", "error", err)
			return
		}
		log.Info("log levels reloaded", "level", c.Logging.Level)
	})
	if errors.Is(err, config.ErrNoConfigFile) {
		return config.Load()
	}
	return cfg, err
}

func initLogging(cfg *config.Config, foreground bool) error {
	logCfg, err := cfg.Logging.Logging()
	if err != nil {
		return err
	}
	if foreground {
		logCfg.ConsoleLevel = logCfg.Level
	}
	return logging.Init(logCfg)
}

func run(foreground bool) error {
	log := logging.Get("daemon")

	cfg, err := loadConfig(log)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := initLogging(cfg, foreground); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer func() { _ = logging.Close() }()

	if err := config.EnsureDataDir(); err != nil {
		return err
	}
	p := resolvePaths(cfg)

	if err := daemon.RecoverFromStaleDaemon(p.pid, p.socket, p.db); err != nil {
		return err
	}
	lock, err := daemon.AcquireInstanceLock(daemon.LockPath(p.pid))
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := daemon.WritePIDFile(p.pid); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := daemon.RemovePIDFile(p.pid); err != nil {
			log.Warn("failed to remove PID file", "error", err)
		}
		_ = daemon.RemoveStatus(p.status)
	}()

	if err := serve(cfg, p, log); err != nil {
		_ = daemon.WriteStatusError(p.status, err)
		log.Error("daemon stopped with error", "error", err)
		return err
	}
	return nil
}

func serve(cfg *config.Config, p paths, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	quota, err := cfg.Storage.QuotaBytes()
	if err != nil {
		return err
	}
	buffer, err := cfg.Storage.SafetyBufferBytes()
	if err != nil {
		return err
	}

	db, err := store.Open(p.db)
	if err != nil {
		return fmt.Errorf("opening manifest store: %w", err)
	}
	defer func() { _ = db.Close() }()

	n, err := db.Migrate(ctx, func(mp store.MigrationProgress) {
		log.Debug("migrating manifest", "to", mp.ToVersion, "done", mp.Done, "total", mp.Total)
	})
	if err != nil {
		return fmt.Errorf("migrating manifest store: %w", err)
	}
	if n > 0 {
		log.Info("manifest store migrated", "migrations", n)
	}

	var relay fetch.Relay
	if cfg.Relay.URL != "" {
		relay = fetch.NewHTTPRelay(cfg.Relay.URL, cfg.Relay.Timeout)
	}
	fetcher := fetch.New(relay, fetch.Policy{
		MaxAttempts: cfg.Workers.MaxAttempts,
		BaseDelay:   cfg.Workers.BaseDelay,
		MaxDelay:    cfg.Workers.MaxDelay,
	})
	resolver := content.New(content.Options{
		BaseURL: cfg.Content.BaseURL,
		Token:   cfg.Content.Token,
		Timeout: cfg.Content.Timeout,
	})

	hostDeps := executor.Deps{
		Fetcher:     fetcher,
		StorageRoot: cfg.Storage.Root,
		Quota:       quota,
		Pool: worker.Options{
			MaxConcurrent:    cfg.Workers.MaxConcurrent,
			MaxAttempts:      cfg.Workers.MaxAttempts,
			PlaylistTimeout:  cfg.Workers.PlaylistTimeout,
			ProgressInterval: cfg.Workers.ProgressInterval,
		},
	}

	events := broadcaster.New()
	coord := coordinator.New(coordinator.Deps{
		Builder: manifest.NewBuilder(resolver),
		Store:   db,
		NewWorker: func(ctx context.Context) (coordinator.Worker, error) {
			host := executor.New(hostDeps)
			host.Start(ctx)
			return host, nil
		},
		Deliverer: delivery.New(cfg.Delivery.Dir),
		Space:     storage.Space{Root: cfg.Storage.Root, Quota: quota, Buffer: buffer},
		Publisher: events,
		Options: coordinator.Options{
			CleanupInterval:     cfg.Cleanup.Interval,
			CompletedRetention:  cfg.Cleanup.CompletedRetention,
			IncompleteRetention: cfg.Cleanup.IncompleteRetention,
		},
	})

	if _, err := coord.Recover(); err != nil {
		return fmt.Errorf("recovering interrupted exports: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := coord.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("coordinator stopped", "error", err)
		}
	}()
	defer func() {
		cancelRun()
		<-runDone
	}()

	svc := daemon.NewService(coord,
		daemon.WithBroadcaster(events),
		daemon.WithStorage(daemon.StorageInfo{
			Root:        cfg.Storage.Root,
			Quota:       quota,
			DeliveryDir: cfg.Delivery.Dir,
		}),
		daemon.WithVersion(version),
		daemon.WithShutdown(stop),
	)
	srv, err := daemon.NewServer(daemon.Config{SocketPath: p.socket}, svc)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	if err := daemon.WriteStatusReady(p.status, version, p.socket); err != nil {
		log.Warn("failed to write status file", "error", err)
	}
	log.Info("plexportd started", "version", version, "socket", p.socket, "pid", os.Getpid())

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			events.Close()
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Open watch streams end when the broadcaster closes; GracefulStop waits for them.
	events.Close()
	if err := srv.Close(); err != nil {
		log.Warn("error during shutdown", "error", err)
	}
	return nil
}
