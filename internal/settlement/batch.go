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

package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine-go/internal/store"

	"go.uber.org/zap"
)

const holdBatchSize = 100

// ReleaseDueHolds releases every T1 hold older than minAge, turning
// recorded money into spendable money. Returns the number of holds
// released. Safe to run concurrently with ingestion and with itself:
// a hold released by another pass is skipped.
func ReleaseDueHolds(ctx context.Context, st store.LedgerStore, minAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	released := 0

	for {
		holds, err := st.ListDueHolds(ctx, cutoff, holdBatchSize)
		if err != nil {
			return released, fmt.Errorf("failed to list due holds: %w", err)
		}
		if len(holds) == 0 {
			return released, nil
		}

		progressed := false
		for _, hold := range holds {
			if _, err := st.ReleaseHold(ctx, hold.Id); err != nil {
				if errors.Is(err, store.ErrHoldAlreadyReleased) {
					continue
				}
				zap.L().Error("Failed to release hold",
					zap.String("entry_id", hold.Id),
					zap.String("entity_id", hold.EntityId),
					zap.Error(err))
				continue
			}
			released++
			progressed = true
			holdsReleasedTotal.Inc()
		}
		// If nothing in a full batch could be released, stop rather than
		// spin on the same stuck entries.
		if !progressed {
			return released, nil
		}
		if len(holds) < holdBatchSize {
			return released, nil
		}
	}
}

// HoldReleaseWorkerConfig configures the T1 release worker.
type HoldReleaseWorkerConfig struct {
	Store    store.LedgerStore
	Interval time.Duration
	MinAge   time.Duration
}

// HoldReleaseWorker periodically releases matured T1 holds.
type HoldReleaseWorker struct {
	store    store.LedgerStore
	interval time.Duration
	minAge   time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewHoldReleaseWorker(cfg HoldReleaseWorkerConfig) *HoldReleaseWorker {
	return &HoldReleaseWorker{
		store:    cfg.Store,
		interval: cfg.Interval,
		minAge:   cfg.MinAge,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (w *HoldReleaseWorker) Start(ctx context.Context) {
	go w.runLoop(ctx)
	zap.L().Info("Hold release worker started",
		zap.Duration("interval", w.interval),
		zap.Duration("min_age", w.minAge))
}

func (w *HoldReleaseWorker) Stop() {
	zap.L().Info("Stopping hold release worker")
	close(w.stopChan)
	<-w.doneChan
	zap.L().Info("Hold release worker stopped")
}

func (w *HoldReleaseWorker) runLoop(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			released, err := ReleaseDueHolds(ctx, w.store, w.minAge)
			if err != nil {
				zap.L().Error("Hold release pass failed", zap.Error(err))
			} else if released > 0 {
				zap.L().Info("Released settlement holds", zap.Int("count", released))
			}
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
