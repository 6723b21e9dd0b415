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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (s *Service) GetTransactionByExternalId(ctx context.Context, serviceType models.ServiceType, externalTxId string) (*models.ServiceTransaction, error) {
	tx, err := scanServiceTransaction(s.db.QueryRowContext(ctx, queryGetTransactionByExternalId, serviceType, externalTxId))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service transaction: %w", err)
	}
	return tx, nil
}

func (s *Service) InsertTransaction(ctx context.Context, tx *models.ServiceTransaction) (*models.ServiceTransaction, error) {
	if tx.Id == "" {
		tx.Id = uuid.New().String()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if tx.EventTime.IsZero() {
		tx.EventTime = now
	}
	if tx.State == "" {
		tx.State = models.TxReceived
	}

	_, err := s.db.ExecContext(ctx, queryInsertTransaction,
		tx.Id, tx.ServiceType, tx.ExternalTxId, tx.Amount.String(), tx.Currency,
		tx.RawStatus, tx.DeviceSerial, tx.SecondaryKey,
		tx.RetailerId, tx.DistributorId, tx.MasterDistributorId,
		tx.SchemeId, tx.SchemeName, tx.ResolvedVia,
		tx.Charge.String(), tx.NetAmount.String(),
		tx.WalletCredited, tx.LedgerEntryId, tx.State, tx.FailureReason,
		tx.EventTime.UTC(), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s", store.ErrDuplicateTransaction, tx.ServiceType, tx.ExternalTxId)
		}
		return nil, fmt.Errorf("failed to insert service transaction: %w", err)
	}
	return tx, nil
}

func (s *Service) UpdateTransaction(ctx context.Context, tx *models.ServiceTransaction) error {
	tx.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, queryUpdateTransaction,
		tx.Amount.String(), tx.Currency, tx.RawStatus, tx.DeviceSerial, tx.SecondaryKey,
		tx.RetailerId, tx.DistributorId, tx.MasterDistributorId,
		tx.SchemeId, tx.SchemeName, tx.ResolvedVia,
		tx.Charge.String(), tx.NetAmount.String(),
		tx.State, tx.FailureReason, tx.UpdatedAt, tx.Id)
	if err != nil {
		return fmt.Errorf("failed to update service transaction: %w", err)
	}
	return nil
}

// CreditTransaction posts the settlement ledger entry, flips
// wallet_credited and inserts the commission outbox rows in the same SQL
// transaction. A crash cannot leave the event half-applied: a webhook
// retry either sees the flag set (no-op) or replays the whole unit, and
// a credit can never commit without its cascade work items.
func (s *Service) CreditTransaction(ctx context.Context, txId string, params store.PostParams, state models.TxState, postings []models.CommissionPosting) (*models.LedgerEntry, error) {
	if err := validatePostParams(&params); err != nil {
		return nil, err
	}

	var entry *models.LedgerEntry
	var err error
	for attempt := 1; attempt <= maxPostAttempts; attempt++ {
		entry, err = s.creditTransactionOnce(ctx, txId, params, state, postings)
		if err == nil || !errors.Is(err, store.ErrConcurrentModification) {
			break
		}
	}
	return entry, err
}

func (s *Service) creditTransactionOnce(ctx context.Context, txId string, params store.PostParams, state models.TxState, postings []models.CommissionPosting) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.postInTx(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, queryMarkTransactionCredited, entry.Id, state, time.Now().UTC(), txId)
	if err != nil {
		return nil, fmt.Errorf("failed to mark transaction credited: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		// A concurrent handler won the race; rolling back discards our
		// ledger post so the credit lands exactly once.
		return nil, fmt.Errorf("%w: transaction %s already credited", store.ErrDuplicateTransaction, txId)
	}

	if err := enqueueCommissionsInTx(ctx, tx, postings); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credit: %w", err)
	}

	zap.L().Info("Transaction credited",
		zap.String("transaction_id", txId),
		zap.String("entry_id", entry.Id),
		zap.String("state", string(state)),
		zap.Int("commission_postings", len(postings)))
	return entry, nil
}

// enqueueCommissionsInTx inserts pending commission postings inside the
// caller's credit transaction. The unique (transaction, level) constraint
// plus INSERT OR IGNORE keeps the outbox idempotent.
func enqueueCommissionsInTx(ctx context.Context, tx *sql.Tx, postings []models.CommissionPosting) error {
	now := time.Now().UTC()
	for i := range postings {
		p := &postings[i]
		if p.Id == "" {
			p.Id = uuid.New().String()
		}
		_, err := tx.ExecContext(ctx, queryInsertCommission,
			p.Id, p.TransactionId, p.Level, p.EntityId, p.EntityRole, p.WalletKind,
			p.Amount.String(), now, now)
		if err != nil {
			return fmt.Errorf("failed to enqueue commission posting: %w", err)
		}
	}
	return nil
}

func (s *Service) SetTransactionState(ctx context.Context, txId string, state models.TxState) error {
	_, err := s.db.ExecContext(ctx, querySetTransactionState, state, time.Now().UTC(), txId)
	if err != nil {
		return fmt.Errorf("failed to set transaction state: %w", err)
	}
	return nil
}

func (s *Service) ListTransactions(ctx context.Context, state models.TxState, limit, offset int) ([]models.ServiceTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, queryListTransactionsByState, state, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer closeRows(rows)

	var txs []models.ServiceTransaction
	for rows.Next() {
		tx, err := scanServiceTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return txs, nil
}

func (s *Service) ListPendingCommissions(ctx context.Context, limit int) ([]models.CommissionPosting, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, queryListPendingCommissions, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commissions: %w", err)
	}
	defer closeRows(rows)

	var postings []models.CommissionPosting
	for rows.Next() {
		posting, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commission posting: %w", err)
		}
		postings = append(postings, *posting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commission rows: %w", err)
	}
	return postings, nil
}

func (s *Service) MarkCommissionPosted(ctx context.Context, postingId, ledgerEntryId string) error {
	result, err := s.db.ExecContext(ctx, queryMarkCommissionPosted, ledgerEntryId, time.Now().UTC(), postingId)
	if err != nil {
		return fmt.Errorf("failed to mark commission posted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("commission posting %s not pending - %w", postingId, store.ErrConcurrentModification)
	}
	return nil
}

func (s *Service) MarkCommissionFailed(ctx context.Context, postingId, reason string, lock bool) error {
	_, err := s.db.ExecContext(ctx, queryMarkCommissionFailed, lock, lock, reason, time.Now().UTC(), postingId)
	if err != nil {
		return fmt.Errorf("failed to mark commission failed: %w", err)
	}
	return nil
}

func (s *Service) ListCommissionsByTransaction(ctx context.Context, txId string) ([]models.CommissionPosting, error) {
	rows, err := s.db.QueryContext(ctx, queryListCommissionsByTransaction, txId)
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}
	defer closeRows(rows)

	var postings []models.CommissionPosting
	for rows.Next() {
		posting, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commission posting: %w", err)
		}
		postings = append(postings, *posting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commission rows: %w", err)
	}
	return postings, nil
}

func scanServiceTransaction(row rowScanner) (*models.ServiceTransaction, error) {
	var tx models.ServiceTransaction
	var amountStr, chargeStr, netStr string
	err := row.Scan(&tx.Id, &tx.ServiceType, &tx.ExternalTxId, &amountStr, &tx.Currency,
		&tx.RawStatus, &tx.DeviceSerial, &tx.SecondaryKey,
		&tx.RetailerId, &tx.DistributorId, &tx.MasterDistributorId,
		&tx.SchemeId, &tx.SchemeName, &tx.ResolvedVia,
		&chargeStr, &netStr, &tx.WalletCredited, &tx.LedgerEntryId,
		&tx.State, &tx.FailureReason, &tx.EventTime, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tx.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amountStr, err)
	}
	if tx.Charge, err = decimal.NewFromString(chargeStr); err != nil {
		return nil, fmt.Errorf("failed to parse charge %q: %w", chargeStr, err)
	}
	if tx.NetAmount, err = decimal.NewFromString(netStr); err != nil {
		return nil, fmt.Errorf("failed to parse net_amount %q: %w", netStr, err)
	}
	return &tx, nil
}

func scanCommission(row rowScanner) (*models.CommissionPosting, error) {
	var p models.CommissionPosting
	var amountStr string
	err := row.Scan(&p.Id, &p.TransactionId, &p.Level, &p.EntityId, &p.EntityRole, &p.WalletKind,
		&amountStr, &p.LedgerEntryId, &p.Status, &p.Attempts, &p.Locked, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("failed to parse commission amount %q: %w", amountStr, err)
	}
	return &p, nil
}
