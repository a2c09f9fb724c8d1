package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/roach88/compsync/internal/audit"
	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/config"
	"github.com/roach88/compsync/internal/generator"
	"github.com/roach88/compsync/internal/lock"
	"github.com/roach88/compsync/internal/queue"
	"github.com/roach88/compsync/internal/remote"
	"github.com/roach88/compsync/internal/rules"
	"github.com/roach88/compsync/internal/snapshot"
	"github.com/roach88/compsync/internal/store"
	"github.com/roach88/compsync/internal/syncer"
)

// App is the wired engine a command operates on.
type App struct {
	Config        *config.Config
	Clock         clock.Clock
	Store         *store.Store
	Locks         *lock.Manager
	Completions   *queue.CompletionQueue
	Regenerations *queue.RegenerationQueue
	Snapshots     *snapshot.Store
	Remote        *remote.Client
	Audit         *audit.Recorder
	Rules         *rules.Manager
	Syncer        *syncer.Syncer
	Registry      *prometheus.Registry
}

// configPath resolves --config, falling back to COMPSYNC_CONFIG.
func configPath(opts *RootOptions) string {
	if opts.Config != "" {
		return opts.Config
	}
	return os.Getenv("COMPSYNC_CONFIG")
}

// openApp loads configuration, installs the default slog logger and wires
// every component against the configured database.
func openApp(opts *RootOptions, errOut io.Writer) (*App, error) {
	cfg, err := config.Load(configPath(opts))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	setupLogging(cfg.Log, opts.Verbose, errOut)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	app, err := wire(cfg, st, clock.Real())
	if err != nil {
		st.Close()
		return nil, err
	}
	return app, nil
}

func wire(cfg *config.Config, st *store.Store, clk clock.Clock) (*App, error) {
	guard, err := memoryGuard(cfg.Generator)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up memory guard", err)
	}

	snaps, err := snapshot.New(afero.NewOsFs(), cfg.Snapshot.Dir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open snapshot store", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	locks := lock.NewManager(st, lock.WithTTL(cfg.Lock.TTL), lock.WithClock(clk))
	completions := queue.NewCompletionQueue(st, locks, clk, cfg.Queue.MaxAttempts)
	regens := queue.NewRegenerationQueue(st, clk)
	gen := generator.New(st, guard, generator.Options{
		BatchSize: cfg.Generator.BatchSize,
		Format: generator.FormatOptions{
			DefaultFramework: cfg.Generator.DefaultFramework,
			DueOffset:        cfg.Generator.DueOffset,
			CourseURLBase:    cfg.Generator.CourseURLBase,
		},
	})
	client := remote.NewClient(cfg.API)
	rec := audit.NewRecorder(st, clk, cfg.Audit.MaxPayloadBytes)

	s := syncer.New(syncer.Deps{
		Store:         st,
		Locks:         locks,
		Completions:   completions,
		Regenerations: regens,
		Generator:     gen,
		Snapshots:     snaps,
		Remote:        client,
		Audit:         rec,
		Clock:         clk,
		Metrics:       syncer.NewMetrics(reg),
	}, syncer.Options{
		DrainLimit:  cfg.Queue.DrainLimit,
		Retention:   cfg.Sweep.Retention,
		Concurrency: cfg.Sweep.Concurrency,
		StaleAfter:  cfg.Lock.TTL,
		LockFile:    cfg.Sweep.LockFile,
		Sharder:     syncer.NewSharder(cfg.Sweep.Workers, cfg.Sweep.WorkerID),
	})

	return &App{
		Config:        cfg,
		Clock:         clk,
		Store:         st,
		Locks:         locks,
		Completions:   completions,
		Regenerations: regens,
		Snapshots:     snaps,
		Remote:        client,
		Audit:         rec,
		Rules:         rules.NewManager(st, regens, clk),
		Syncer:        s,
		Registry:      reg,
	}, nil
}

func memoryGuard(cfg config.GeneratorConfig) (*generator.MemoryGuard, error) {
	probe, err := generator.NewProcessProbe()
	if err != nil {
		return nil, err
	}
	return generator.NewMemoryGuard(probe, cfg.MemoryLimitBytes, cfg.MemoryPercent)
}

// Close releases the database.
func (a *App) Close() error {
	return a.Store.Close()
}

// setupLogging installs the default slog logger on w. --verbose forces debug.
func setupLogging(cfg config.LogConfig, verbose bool, w io.Writer) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// withApp opens the app for the duration of fn and maps setup errors to exit code 2.
func withApp(opts *RootOptions, f *OutputFormatter, fn func(app *App) error) error {
	app, err := openApp(opts, f.ErrWriter)
	if err != nil {
		_ = f.Fail(ErrCodeConfig, "setup failed", err.Error())
		return err
	}
	defer app.Close()
	return fn(app)
}

// formatter builds the command's output formatter.
func formatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}
}

func parseTenantID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid tenant id %q", arg))
	}
	return id, nil
}
