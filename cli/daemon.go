package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fpl9000/EGD/cli/config"
	"github.com/fpl9000/EGD/control"
	"github.com/fpl9000/EGD/core"
)

// shutdownGracePeriod bounds how long the control server waits for
// in-flight handlers before the daemon moves on to quiescing the scheduler.
const shutdownGracePeriod = 5 * time.Second

// DaemonCommand boots the daemon: load config, acquire the persistence
// lock, wire Pool/Scheduler/Persister/control.Server together, load any
// prior snapshot, start serving, and shut down cleanly on signal or the
// control channel's "stop" command.
type DaemonCommand struct {
	Logger     *slog.Logger
	LevelVar   *slog.LevelVar
	LogLevel   string `long:"log-level" description:"Set the log level (debug, info, warning, error)"`
	ConfigFile string `long:"config" default:"/etc/egd/config.ini" description:"Configuration file"`
	Force      bool   `long:"force" description:"Bypass the persistence-file lock left by another instance"`
}

// Execute implements go-flags' Commander interface.
func (c *DaemonCommand) Execute(_ []string) error {
	if c.LogLevel != "" {
		if err := ApplyLogLevel(c.LogLevel, c.LevelVar); err != nil {
			c.Logger.Warn(fmt.Sprintf("invalid --log-level %q: %v", c.LogLevel, err))
		}
	}

	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config %q: %w", c.ConfigFile, err)
	}

	if err := core.AcquireLock(cfg.Global.PersistFile, c.Force); err != nil {
		return err
	}
	defer func() {
		if err := core.ReleaseLock(cfg.Global.PersistFile); err != nil {
			c.Logger.Warn(fmt.Sprintf("release lock: %v", err))
		}
	}()

	pool := core.NewPool(cfg.Global.MaxEntropyBytes, cfg.Global.PoolChunkMaxBytes)
	persister := core.NewPersister(pool, cfg.Global.PersistFile, c.Logger)

	// Persister.Load must complete before the scheduler or control server
	// start, so withdrawals never race against snapshot restoration.
	persister.Load()

	scheduler := core.NewScheduler(c.Logger)
	scheduler.Pool = pool

	for _, rec := range cfg.Sources {
		if !rec.Enabled {
			continue
		}
		src, err := buildSource(rec)
		if err != nil {
			return fmt.Errorf("build source %q: %w", rec.Name, err)
		}
		if err := scheduler.AddSource(src); err != nil {
			return fmt.Errorf("register source %q: %w", rec.Name, err)
		}
	}

	server := control.NewServer(pool, persister, scheduler, c.Logger, cfg.Global.TCPPort)

	shutdownMgr := core.NewShutdownManager(c.Logger, 30*time.Second)
	shutdownMgr.RegisterHook(core.ShutdownHook{
		Name:     "control-server",
		Priority: 0,
		Hook: func(_ context.Context) error {
			server.Stop(shutdownGracePeriod)
			return nil
		},
	})
	shutdownMgr.RegisterHook(core.ShutdownHook{
		Name:     "scheduler",
		Priority: 1,
		Hook: func(_ context.Context) error {
			if !scheduler.Stop(shutdownGracePeriod) {
				return fmt.Errorf("scheduler did not quiesce within %v", shutdownGracePeriod)
			}
			return nil
		},
	})
	shutdownMgr.RegisterHook(core.ShutdownHook{
		Name:     "final-persist",
		Priority: 2,
		Hook: func(_ context.Context) error {
			return persister.Persist()
		},
	})

	server.OnStop = func() { _ = shutdownMgr.Shutdown() }
	shutdownMgr.ListenForShutdown()

	persistCtx, cancelPersist := context.WithCancel(context.Background())
	defer cancelPersist()
	go persister.Run(persistCtx, time.Duration(cfg.Global.PersistIntervalS)*time.Second)

	scheduler.Start()

	c.Logger.Info(fmt.Sprintf("egd daemon ready: %d sources, tcp_port=%d", len(cfg.Sources), cfg.Global.TCPPort))

	serveErr := server.ListenAndServe()
	cancelPersist()

	<-shutdownMgr.ShutdownChan()

	return serveErr
}

// buildSource translates a validated config.SourceRecord into a core.Source
// descriptor, dispatching on the record's fetcher kind.
func buildSource(rec config.SourceRecord) (*core.Source, error) {
	var fetcher core.Fetcher

	switch rec.Kind {
	case "http":
		fetcher = core.HTTPFetcher(rec.URL)
	case "http-dynamic":
		url := rec.URL
		fetcher = core.HTTPDynamicFetcher(func() string { return url })
	case "file":
		fetcher = core.FileFetcher(rec.Path)
	case "command":
		fetcher = core.CommandLineFetcher(rec.Command)
	default:
		return nil, fmt.Errorf("source %q has unknown kind %q", rec.Name, rec.Kind)
	}

	src := core.NewSource(rec.Name, fetcher)
	src.Enabled = rec.Enabled
	src.IntervalS = rec.IntervalS
	src.InitDelayS = rec.InitDelayS
	src.PrefetchURL = rec.PrefetchURL
	src.SizeHint = rec.SizeHint
	src.MinSize = rec.MinSize
	src.Compress = rec.Compress
	src.Scale = rec.Scale

	return src, nil
}
