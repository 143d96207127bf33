package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"modelpool/config"
	"modelpool/discovery"
	"modelpool/health"
	"modelpool/logging"
	"modelpool/metrics"
	"modelpool/middleware"
	"modelpool/modelpool"
	"modelpool/server"
	"modelpool/service"
)

const defaultShutdownTimeout = 10 * time.Second

func runServer(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.LoadServer(path, logrus.StandardLogger())

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	log, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	state := modelpool.NewState(cfg.Models, modelpool.WithLogger(log))
	monitor := health.NewMonitor(state, health.NewHTTPProber(health.DefaultProbeTimeout), cfg.Interval(), log)

	opts := []server.Option{
		server.WithLogger(log),
		server.WithMaxWorkers(cfg.MaxWorkers),
	}
	if registry := openRegistry(cfg, log); registry != nil {
		defer registry.Close()
		opts = append(opts, server.WithDiscovery(registry, cfg.AdvertiseAddr, cfg.Etcd.TTL))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.RecoveryMiddleware(log))
	svr.Use(middleware.MetricsMiddleware())
	svr.Use(middleware.LoggingMiddleware(log.WithField("component", "rpc")))
	if cfg.RateLimit.Enabled() {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	svr.Use(middleware.TimeOutMiddleware(cfg.RequestTimeout))
	if err := svr.Register(service.NewModelPoolService(state, log)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := monitor.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.WithFields(logrus.Fields{"listen": cfg.Listen, "models": state.Len()}).Info("Model pool server starting")
		return svr.Serve("tcp", cfg.Listen)
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.WithField("addr", cfg.Metrics.Address).Info("Serving metrics")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		if err := svr.Shutdown(shutdownTimeout); err != nil {
			log.WithError(err).Warn("Server shutdown incomplete")
		}
		if metricsSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(sctx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Model pool server stopped")
	return nil
}

// openRegistry connects to etcd when both endpoints and an advertise address
// are configured. Failure is logged; the server still runs without discovery.
func openRegistry(cfg *config.ServerConfig, log logrus.FieldLogger) *discovery.EtcdRegistry {
	if !cfg.Etcd.Enabled() {
		return nil
	}
	if cfg.AdvertiseAddr == "" {
		log.Warn("etcd endpoints set without advertise_addr, skipping registration")
		return nil
	}
	reg, err := discovery.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		log.WithError(err).Warn("Failed to connect to etcd, running without discovery")
		return nil
	}
	return reg
}
