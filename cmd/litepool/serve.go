package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/guileen/litepool/config"
	"github.com/guileen/litepool/engine"
	"github.com/guileen/litepool/logger"
	"github.com/guileen/litepool/manager"
	"github.com/guileen/litepool/protocol/pgserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	Listen   string
	HTTPAddr string
}

func newServeCommand() *cobra.Command {
	var so serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured datastore over the PostgreSQL wire protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if so.Listen != "" {
				cfg.Server.Listen = so.Listen
			}
			if cmd.Flags().Changed("http") {
				cfg.Server.HTTPAddr = so.HTTPAddr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&so.Listen, "listen", "", "Wire protocol listen address (overrides config)")
	cmd.Flags().StringVar(&so.HTTPAddr, "http", "", "Health and metrics listen address, empty to disable (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	mgr, err := cfg.Manager()
	if err != nil {
		return err
	}

	startTime := time.Now()
	ds, err := engine.Open(ctx, mgr.Address())
	if err != nil {
		return err
	}
	defer ds.Close()
	logger.Info("Datastore opened", logger.String("address", mgr.Address()), logger.Duration("duration", time.Since(startTime)))

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	srv := pgserver.NewServer(ds)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, pgserver.ErrServerClosed) {
			return err
		}
		return nil
	})

	var httpServer *http.Server
	if cfg.Server.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           newRouter(ds, mgr.Session(), srv),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("HTTP server listening", logger.String("addr", cfg.Server.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownStart := time.Now()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if httpServer != nil {
			errs = append(errs, httpServer.Shutdown(shutdownCtx))
		}
		errs = append(errs, srv.Close())
		logger.Info("Shutdown complete", logger.Duration("shutdown_duration", time.Since(shutdownStart)))
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newRouter(ds engine.Datastore, session engine.Session, srv *pgserver.Server) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "litepool",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Number of open wire protocol connections.",
		}, func() float64 { return float64(srv.ActiveConnections()) }),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if _, err := ds.Execute(req.Context(), manager.ValidationQuery, session, nil, false); err != nil {
			ctx := logger.WithContextValue(req.Context(), logger.NamespaceKey, session.Namespace)
			ctx = logger.WithContextValue(ctx, logger.DatabaseKey, session.Database)
			logger.WarnContext(ctx, "Health check failed", logger.ErrorField(err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return r
}
