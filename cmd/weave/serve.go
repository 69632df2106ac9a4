package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rendis/weave/internal/scheduler"
	"github.com/rendis/weave/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio and run scheduled workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (overrides config)")
	return cmd
}

func serve(ctx context.Context, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the MCP transport.
	a, err := newApp(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(sctx)
	}()

	if metricsAddr == "" {
		metricsAddr = a.cfg.Global.MetricsAddr
	}
	if metricsAddr != "" {
		srv := startMetrics(a, metricsAddr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	sched := scheduler.New(a.defs, a.registry, a.logger)
	for _, s := range a.cfg.Schedules {
		if s.Disabled {
			continue
		}
		if err := sched.Add(scheduler.Job{
			ID:           s.ID,
			Workflow:     s.Workflow,
			Cron:         s.Cron,
			Params:       s.Params,
			WorkspaceDir: s.WorkspaceDir,
		}); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:      a.registry,
		Definitions: a.defs,
		Validator:   a.validator,
		Logger:      a.logger,
		Version:     version,
	})
	a.logger.Info("weave serving",
		slog.String("version", version),
		slog.Int("agents", a.agents.Count()),
		slog.Int("schedules", len(sched.Jobs())))

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startMetrics(a *app, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{Registry: a.promReg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("metrics listening", slog.String("addr", addr))
	return srv
}
