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

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"go.uber.org/zap"
)

// CascadeWorkerConfig configures the commission cascade worker.
type CascadeWorkerConfig struct {
	Store       store.Store
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// CascadeWorker drains the commission outbox: pending postings are
// credited to commission wallets, retried on transient failure, and
// locked after MaxAttempts so one poison row cannot wedge the queue.
type CascadeWorker struct {
	store       store.Store
	interval    time.Duration
	batchSize   int
	maxAttempts int

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewCascadeWorker(cfg CascadeWorkerConfig) *CascadeWorker {
	return &CascadeWorker{
		store:       cfg.Store,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start begins the cascade loop in a background goroutine.
func (w *CascadeWorker) Start(ctx context.Context) {
	go w.runLoop(ctx)
	zap.L().Info("Cascade worker started",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize),
		zap.Int("max_attempts", w.maxAttempts))
}

// Stop gracefully stops the worker and waits for the loop to exit.
func (w *CascadeWorker) Stop() {
	zap.L().Info("Stopping cascade worker")
	close(w.stopChan)
	<-w.doneChan
	zap.L().Info("Cascade worker stopped")
}

func (w *CascadeWorker) runLoop(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *CascadeWorker) runOnce(ctx context.Context) {
	if _, err := w.ProcessPending(ctx); err != nil {
		zap.L().Error("Cascade pass failed", zap.Error(err))
	}
}

// ProcessPending drains one batch of pending commission postings and
// returns how many were posted. Exported so the CLI can run a one-shot
// cascade pass.
func (w *CascadeWorker) ProcessPending(ctx context.Context) (int, error) {
	pending, err := w.store.ListPendingCommissions(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending commissions: %w", err)
	}

	posted := 0
	touched := make(map[string]bool)
	for i := range pending {
		posting := &pending[i]
		touched[posting.TransactionId] = true
		if err := w.postOne(ctx, posting); err != nil {
			zap.L().Error("Commission posting failed",
				zap.String("posting_id", posting.Id),
				zap.String("transaction_id", posting.TransactionId),
				zap.String("level", string(posting.Level)),
				zap.Int("attempts", posting.Attempts+1),
				zap.Error(err))
			continue
		}
		posted++
	}

	for txId := range touched {
		if err := w.settleIfComplete(ctx, txId); err != nil {
			zap.L().Error("Failed to advance transaction state",
				zap.String("transaction_id", txId), zap.Error(err))
		}
	}
	return posted, nil
}

// postOne credits a single commission posting. The ledger external id is
// keyed by (transaction, level) so a posting marked pending after a crash
// mid-commit still lands exactly once.
func (w *CascadeWorker) postOne(ctx context.Context, posting *models.CommissionPosting) error {
	entry, err := w.store.Post(ctx, store.PostParams{
		EntityId:     posting.EntityId,
		EntityRole:   posting.EntityRole,
		WalletKind:   posting.WalletKind,
		FundCategory: models.FundCommission,
		TxKind:       models.TxCommissionCredit,
		Credit:       posting.Amount,
		ExternalTxId: fmt.Sprintf("%s:%s", posting.TransactionId, posting.Level),
		ReferenceId:  posting.TransactionId,
		Remarks:      fmt.Sprintf("%s commission for transaction %s", posting.Level, posting.TransactionId),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			// The ledger entry exists from a prior attempt; reconcile the
			// outbox row instead of failing.
			commissionPostingsTotal.WithLabelValues("reconciled").Inc()
			return w.store.MarkCommissionPosted(ctx, posting.Id, "")
		}
		lock := posting.Attempts+1 >= w.maxAttempts
		if lock {
			commissionPostingsTotal.WithLabelValues("failed").Inc()
		}
		if markErr := w.store.MarkCommissionFailed(ctx, posting.Id, err.Error(), lock); markErr != nil {
			return fmt.Errorf("posting failed (%v) and could not be marked: %w", err, markErr)
		}
		return err
	}

	if err := w.store.MarkCommissionPosted(ctx, posting.Id, entry.Id); err != nil {
		return err
	}
	commissionPostingsTotal.WithLabelValues("posted").Inc()
	return nil
}

// settleIfComplete flips a transaction to settled once every cascade row
// for it has been posted.
func (w *CascadeWorker) settleIfComplete(ctx context.Context, txId string) error {
	postings, err := w.store.ListCommissionsByTransaction(ctx, txId)
	if err != nil {
		return err
	}
	for _, p := range postings {
		if p.Status != models.PostingPosted {
			return nil
		}
	}
	return w.store.SetTransactionState(ctx, txId, models.TxSettled)
}
