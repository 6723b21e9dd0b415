/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"settlement-engine-go/internal/api"
	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/config"
	"settlement-engine-go/internal/settlement"

	"go.uber.org/zap"
)

func main() {
	addrFlag := flag.String("addr", "", "Listen address (overrides SERVER_ADDR)")
	noWorkers := flag.Bool("no-workers", false, "Serve HTTP only, without the cascade and hold-release workers")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *addrFlag != "" {
		cfg.Server.Addr = *addrFlag
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting settlement engine server")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	server := api.NewServer(services.DbService, services.Catalog, cfg.Server.RequestTimeout)
	if cfg.Server.MetricsEnabled {
		server.EnableMetrics()
	}

	var cascade *settlement.CascadeWorker
	var holdRelease *settlement.HoldReleaseWorker
	if !*noWorkers {
		cascade = settlement.NewCascadeWorker(settlement.CascadeWorkerConfig{
			Store:       services.DbService,
			Interval:    cfg.Settlement.CascadeInterval,
			BatchSize:   cfg.Settlement.CascadeBatchSize,
			MaxAttempts: cfg.Settlement.CascadeMaxAttempts,
		})
		cascade.Start(ctx)

		holdRelease = settlement.NewHoldReleaseWorker(settlement.HoldReleaseWorkerConfig{
			Store:    services.DbService,
			Interval: cfg.Settlement.HoldReleaseInterval,
			MinAge:   cfg.Settlement.HoldMinAge,
		})
		holdRelease.Start(ctx)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}

	go func() {
		zap.L().Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if cascade != nil {
		cascade.Stop()
	}
	if holdRelease != nil {
		holdRelease.Stop()
	}

	zap.L().Info("Settlement engine stopped")
}
