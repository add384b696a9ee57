// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-core-stack/federated-router/pkg/config"
	"github.com/go-core-stack/federated-router/pkg/metrics"
	"github.com/go-core-stack/federated-router/pkg/models"
	"github.com/go-core-stack/federated-router/pkg/proxy"
	"github.com/go-core-stack/federated-router/pkg/registry"
	"github.com/go-core-stack/federated-router/pkg/server"
	"github.com/go-core-stack/federated-router/pkg/supervisor"
)

var serveFlags struct {
	listen       string
	registryFile string
	noRouter     bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the federated router",
	Long: `Start the federated router.

Unless disabled, the downstream router process is launched first (its model
configuration is generated from the registry when missing) and the HTTP
server only starts accepting traffic once the downstream router is ready.
On SIGINT/SIGTERM the server drains and the downstream router is terminated.

Examples:
  # Serve the built-in model table
  federated-router serve

  # Custom registry, downstream router managed elsewhere
  federated-router serve --registry models.yaml --no-router`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVarP(&serveFlags.registryFile, "registry", "r", "", "override registry file")
	serveCmd.Flags().BoolVar(&serveFlags.noRouter, "no-router", false, "do not launch the downstream router")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveFlags.listen != "" {
		cfg.ListenAddr = serveFlags.listen
	}
	if serveFlags.registryFile != "" {
		cfg.RegistryFile = serveFlags.registryFile
	}
	if serveFlags.noRouter {
		cfg.Router.Manage = false
	}

	reg, err := loadRegistry(cfg.RegistryFile)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	client := proxy.NewHTTPClient(cfg)

	proxyHandler, err := proxy.New(cfg, client, collector)
	if err != nil {
		return fmt.Errorf("construct proxy: %w", err)
	}
	aggregator := models.New(reg, client, models.Options{
		Host:    cfg.BackendHost,
		Timeout: cfg.ProbeTimeout,
		Metrics: collector,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var routerDone <-chan struct{}
	if cfg.Router.Manage {
		router, err := startRouter(ctx, cfg, reg)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Router.StopGrace+time.Second)
			defer cancel()
			if err := router.Stop(stopCtx); err != nil {
				log.Error().Err(err).Msg("failed to stop downstream router")
			}
		}()
		routerDone = router.Done()
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.NewRouter(aggregator, proxyHandler),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	serveErr := make(chan error, 2)
	go func() {
		log.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("downstream", cfg.Downstream.String()).
			Int("backends", reg.Len()).
			Msg("starting federated router")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("proxy server exited unexpectedly: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = newMetricsServer(cfg, collector)
		go func() {
			log.Info().Str("listen_addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics server exited unexpectedly: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down federated router")
	case runErr = <-serveErr:
	case <-routerDone:
		runErr = errors.New("downstream router exited unexpectedly")
	}

	shutdownServer(srv, cfg.GracefulShutdownTimeout)
	if metricsSrv != nil {
		shutdownServer(metricsSrv, cfg.GracefulShutdownTimeout)
	}

	log.Info().Msg("federated router stopped")
	return runErr
}

func startRouter(ctx context.Context, cfg config.Config, reg *registry.Registry) (*supervisor.Process, error) {
	port, err := cfg.DownstreamPort()
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(cfg.Router.Command)
	if len(fields) == 0 {
		return nil, errors.New("router command is empty")
	}
	args := append(fields[1:], "--config", cfg.Router.ConfigPath, "--port", strconv.Itoa(port))

	router, err := supervisor.Start(ctx, supervisor.Options{
		Command:      fields[0],
		Args:         args,
		ConfigPath:   cfg.Router.ConfigPath,
		Registry:     reg,
		BackendHost:  cfg.BackendHost,
		Port:         port,
		Addr:         cfg.DownstreamAddr(),
		ReadyTimeout: cfg.Router.ReadyTimeout,
		StopGrace:    cfg.Router.StopGrace,
	})
	if err != nil {
		return nil, fmt.Errorf("start downstream router: %w", err)
	}
	return router, nil
}

func newMetricsServer(cfg config.Config, collector *metrics.Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return &http.Server{
		Addr:        cfg.MetricsAddr,
		Handler:     mux,
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: cfg.ServerIdleTimeout,
	}
}

func shutdownServer(srv *http.Server, timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("addr", srv.Addr).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error().Err(closeErr).Str("addr", srv.Addr).Msg("forced close failed")
		}
	}
}
