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

// Command settle runs one settlement batch pass: release matured T1
// holds and drain the commission outbox, then exit. Intended for cron
// or manual operator use when the server workers are disabled.
package main

import (
	"context"
	"flag"
	"time"

	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/config"
	"settlement-engine-go/internal/settlement"

	"go.uber.org/zap"
)

func main() {
	minAge := flag.Duration("min-age", 0, "Override minimum hold age (default: HOLD_MIN_AGE)")
	skipHolds := flag.Bool("skip-holds", false, "Skip the T1 hold release pass")
	skipCascade := flag.Bool("skip-cascade", false, "Skip the commission cascade pass")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	age := cfg.Settlement.HoldMinAge
	if *minAge > 0 {
		age = *minAge
	}

	if !*skipHolds {
		released, err := settlement.ReleaseDueHolds(ctx, services.DbService, age)
		if err != nil {
			zap.L().Fatal("Hold release pass failed", zap.Error(err))
		}
		zap.L().Info("Hold release pass complete", zap.Int("released", released))
	}

	if !*skipCascade {
		worker := settlement.NewCascadeWorker(settlement.CascadeWorkerConfig{
			Store:       services.DbService,
			Interval:    cfg.Settlement.CascadeInterval,
			BatchSize:   cfg.Settlement.CascadeBatchSize,
			MaxAttempts: cfg.Settlement.CascadeMaxAttempts,
		})
		posted, err := worker.ProcessPending(ctx)
		if err != nil {
			zap.L().Fatal("Cascade pass failed", zap.Error(err))
		}
		zap.L().Info("Cascade pass complete", zap.Int("posted", posted))
	}
}
