// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	gateway "github.com/edgeo-scada/opcua-gateway"
	"github.com/edgeo-scada/opcua-gateway/internal/config"
	"github.com/edgeo-scada/opcua-gateway/internal/httpapi"
	"github.com/edgeo-scada/opcua-gateway/opcua"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the query gateway HTTP server",
	Long: `Run the gateway: an HTTP API for queries, editor resources and value
streams, backed by a pool of OPC UA sessions.

Settings come from the configuration file and OPCUA_GATEWAY_* environment
variables.

Examples:
  edgeo-opcua-gateway serve -c gateway.yaml
  OPCUA_GATEWAY_LISTEN=:9090 edgeo-opcua-gateway serve -c gateway.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.New(), configFile)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := gateway.NewMetrics(reg)

	store, err := cfg.CertificateStore()
	if err != nil {
		return err
	}
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return err
	}

	connector := opcua.NewConnector(append(cfg.ConnectorOptions(store, logger),
		opcua.WithMetrics(opcua.NewMetrics(reg)))...)
	registry, err := gateway.NewRegistry(connector, cfg.RegistryOptions(logger, metrics)...)
	if err != nil {
		return err
	}
	defer registry.Close()

	translator := gateway.NewTranslator(cfg.TranslatorOptions(logger)...)
	defer translator.Close()

	api := httpapi.New(registry,
		gateway.NewBrowseEngine(cfg.BrowseOptions(logger, metrics)...),
		translator,
		endpoints,
		httpapi.WithLogger(logger),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening",
			slog.String("addr", cfg.Listen),
			slog.Int("datasources", len(endpoints)),
			slog.String("event_filter_mode", translator.Mode().String()),
			slog.String("version", gateway.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
