package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Schedule string
	Addr     string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sweep on a schedule and expose /metrics and /health",
		Long: `Run sweeps on a cron schedule until interrupted. Overlapping runs are
skipped. Prometheus metrics are served on /metrics; /health pings the
record store.`,
		Example: `  compsync serve
  compsync serve --schedule "*/5 * * * *" --addr :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Schedule, "schedule", "", "cron schedule (default sweep.schedule)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "metrics listen address (default metrics.addr)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	f := formatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	return withApp(opts.RootOptions, f, func(app *App) error {
		schedule := app.Config.Sweep.Schedule
		if opts.Schedule != "" {
			schedule = opts.Schedule
		}
		if _, err := cron.ParseStandard(schedule); err != nil {
			return f.failWith(ExitCommandError, ErrCodeConfig, fmt.Sprintf("invalid schedule %q", schedule), err)
		}
		addr := app.Config.Metrics.Addr
		if opts.Addr != "" {
			addr = opts.Addr
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			select {
			case sig := <-sigChan:
				slog.Info("received signal, shutting down", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return f.failWith(ExitCommandError, ErrCodeConfig, fmt.Sprintf("failed to listen on %s", addr), err)
		}
		srv := &http.Server{Handler: newServeMux(app), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "error", err)
				cancel()
			}
		}()

		sched := cron.New(cron.WithChain(
			cron.Recover(cronLogger{}),
			cron.SkipIfStillRunning(cronLogger{}),
		))
		if _, err := sched.AddFunc(schedule, func() { runScheduledSweep(ctx, app) }); err != nil {
			_ = srv.Close()
			return f.failWith(ExitCommandError, ErrCodeConfig, "failed to schedule sweep", err)
		}
		sched.Start()

		slog.Info("serve started", "schedule", schedule, "addr", ln.Addr().String())
		fmt.Fprintf(f.ErrWriter, "Serving on %s, sweeping on %q. Press Ctrl-C to stop.\n", ln.Addr(), schedule)

		<-ctx.Done()

		// Wait for an in-flight sweep; its context is already cancelled.
		<-sched.Stop().Done()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}

		return f.OK("serve stopped", nil)
	})
}

func runScheduledSweep(ctx context.Context, app *App) {
	if ctx.Err() != nil {
		return
	}
	report, err := app.Syncer.Sweep(ctx)
	if err != nil {
		slog.Error("scheduled sweep failed", "error", err)
		return
	}
	slog.Debug("scheduled sweep finished", "sweep_id", report.ID, "skipped", report.Skipped)
}

func newServeMux(app *App) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := app.Store.Ping(ctx); err != nil {
			http.Error(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// cronLogger sends cron's own diagnostics to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
