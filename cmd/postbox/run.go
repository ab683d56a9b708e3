// ABOUTME: Long-running postbox process: scheduled cache sweeps and a metrics endpoint
// ABOUTME: Failures from the core are subscribed to and written to the log

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-postbox/internal/config"
	"github.com/2389/coven-postbox/internal/filecache"
	"github.com/2389/coven-postbox/internal/metrics"
	"github.com/2389/coven-postbox/internal/notify"
)

const banner = `
                 _   _
 _ __   ___  ___| |_| |__   _____  __
| '_ \ / _ \/ __| __| '_ \ / _ \ \/ /
| |_) | (_) \__ \ |_| |_) | (_) >  <
| .__/ \___/|___/\__|_.__/ \___/_/\_\
|_|
`

const shutdownTimeout = 5 * time.Second

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the cache sweeper and metrics endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)
			cyan.Fprint(out, banner)
			gray.Fprintf(out, "    version: %s\n\n", version)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Backend:   %s %s\n", cfg.Database.Backend, cfg.Database.Path)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Sweep:     %s (grace %s)\n", cfg.Cache.SweepCron, cfg.Cache.GracePeriod)
			if cfg.Metrics.Enabled {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintf(out, "Metrics:   %s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
			}
			fmt.Fprintln(out)

			return runServe(cmd.Context(), cfg, setupLogger(cfg.Logging, cmd.ErrOrStderr()))
		},
	}
}

// runServe blocks until ctx is cancelled or a component fails.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var (
		reg *prometheus.Registry
		m   *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		// Registers the message counters too; they move only when a
		// process embedding the core hands m to message.New.
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
	}

	stream := notify.NewStream(cfg.Notify.Buffer, m, logger)
	defer stream.Close()

	g, gctx := errgroup.WithContext(ctx)

	failures, _ := stream.Subscribe(gctx)
	g.Go(func() error {
		logFailures(failures, logger)
		return nil
	})

	backend, err := openBackend(cfg.Database, stream, logger)
	if err != nil {
		stream.Close()
		_ = g.Wait()
		return err
	}
	defer backend.Close()

	cache := filecache.New(backend,
		filecache.WithGracePeriod(cfg.Cache.GracePeriod),
		filecache.WithMetrics(m),
		filecache.WithLogger(logger),
	)
	sched, err := filecache.NewScheduler(cache, cfg.Cache.SweepCron, logger)
	if err != nil {
		stream.Close()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})

	if reg != nil {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics, reg, logger)
		})
	}

	logger.Info("postbox running",
		"backend", cfg.Database.Backend,
		"sweep_cron", cfg.Cache.SweepCron,
		"metrics", cfg.Metrics.Enabled,
	)

	err = g.Wait()
	logger.Info("postbox stopped")
	return err
}

func logFailures(failures <-chan notify.Failure, logger *slog.Logger) {
	for f := range failures {
		logger.Warn("core failure", "source", f.Source, "message", f.Message, "at", f.At)
	}
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", cfg.Addr, "path", cfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
