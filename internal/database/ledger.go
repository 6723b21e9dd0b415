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

// maxPostAttempts bounds the optimistic-lock retry loop. Conflicts only
// happen when two posts race on the same wallet version.
const maxPostAttempts = 5

// Post atomically appends one ledger entry and moves the wallet balance.
// Exactly one of Credit/Debit must be positive. Concurrent posts to the
// same wallet are serialized by the version guard; losers retry.
func (s *Service) Post(ctx context.Context, params store.PostParams) (*models.LedgerEntry, error) {
	if err := validatePostParams(&params); err != nil {
		return nil, err
	}

	zap.L().Info("Posting ledger entry",
		zap.String("entity_id", params.EntityId),
		zap.String("wallet_kind", string(params.WalletKind)),
		zap.String("tx_kind", string(params.TxKind)),
		zap.String("credit", params.Credit.String()),
		zap.String("debit", params.Debit.String()),
		zap.String("external_tx_id", params.ExternalTxId))

	// Check for duplicate external transaction Id. The unique index on
	// (external_tx_id, tx_kind) closes the race window.
	if params.ExternalTxId != "" {
		var existingId string
		err := s.db.QueryRowContext(ctx, queryCheckDuplicateEntry, params.ExternalTxId, params.TxKind).Scan(&existingId)
		if err == nil {
			zap.L().Warn("Duplicate external transaction Id detected, skipping",
				zap.String("external_tx_id", params.ExternalTxId),
				zap.String("tx_kind", string(params.TxKind)),
				zap.String("existing_entry_id", existingId))
			return nil, fmt.Errorf("%w: external_tx_id %s (%s) already posted",
				store.ErrDuplicateTransaction, params.ExternalTxId, params.TxKind)
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to check for duplicate entry: %w", err)
		}
	}

	var entry *models.LedgerEntry
	var err error
	for attempt := 1; attempt <= maxPostAttempts; attempt++ {
		entry, err = s.postOnce(ctx, params)
		if err == nil || !errors.Is(err, store.ErrConcurrentModification) {
			break
		}
		zap.L().Debug("Wallet version conflict, retrying post",
			zap.String("entity_id", params.EntityId),
			zap.Int("attempt", attempt))
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("Ledger entry posted",
		zap.String("entry_id", entry.Id),
		zap.String("entity_id", entry.EntityId),
		zap.String("opening_balance", entry.OpeningBalance.String()),
		zap.String("closing_balance", entry.ClosingBalance.String()),
		zap.String("status", string(entry.Status)))
	return entry, nil
}

func (s *Service) postOnce(ctx context.Context, params store.PostParams) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.postInTx(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// postInTx runs the full posting protocol inside the caller's SQL
// transaction: read wallet, validate, insert entry with both balance
// snapshots, update wallet with the version guard.
func (s *Service) postInTx(ctx context.Context, tx *sql.Tx, params store.PostParams) (*models.LedgerEntry, error) {
	wallet, err := getOrCreateWallet(ctx, tx, params.EntityId, params.EntityRole, params.WalletKind)
	if err != nil {
		return nil, err
	}

	isDebit := params.Debit.IsPositive()
	if isDebit && wallet.Frozen {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrWalletFrozen, params.EntityId, params.WalletKind)
	}

	newBalance := wallet.Balance
	newHeld := wallet.SettlementHeld
	opening := wallet.Balance
	closing := wallet.Balance

	if params.Status == models.EntryHold {
		// T1 credit: money recorded, not yet spendable. The spendable
		// balance snapshot is unchanged; the held bucket absorbs it.
		newHeld = newHeld.Add(params.Credit)
	} else {
		closing = wallet.Balance.Add(params.Credit).Sub(params.Debit)
		if isDebit && closing.IsNegative() {
			return nil, fmt.Errorf("%w: balance %s, debit %s",
				store.ErrInsufficientBalance, wallet.Balance, params.Debit)
		}
		newBalance = closing
	}

	entry := &models.LedgerEntry{
		Id:             uuid.New().String(),
		EntityId:       params.EntityId,
		EntityRole:     params.EntityRole,
		WalletKind:     params.WalletKind,
		FundCategory:   params.FundCategory,
		ServiceType:    params.ServiceType,
		TxKind:         params.TxKind,
		ExternalTxId:   params.ExternalTxId,
		Credit:         params.Credit,
		Debit:          params.Debit,
		OpeningBalance: opening,
		ClosingBalance: closing,
		Status:         params.Status,
		Remarks:        params.Remarks,
		ReferenceId:    params.ReferenceId,
		CreatedAt:      time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, queryInsertLedgerEntry,
		entry.Id, entry.EntityId, entry.EntityRole, entry.WalletKind, entry.FundCategory,
		entry.ServiceType, entry.TxKind, entry.ExternalTxId,
		entry.Credit.String(), entry.Debit.String(),
		entry.OpeningBalance.String(), entry.ClosingBalance.String(),
		entry.Status, entry.Remarks, entry.ReferenceId, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: external_tx_id %s (%s) already posted",
				store.ErrDuplicateTransaction, entry.ExternalTxId, entry.TxKind)
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, queryUpdateWallet,
		newBalance.String(), newHeld.String(),
		params.EntityId, params.WalletKind, wallet.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("wallet update failed - %w", store.ErrConcurrentModification)
	}

	return entry, nil
}

func validatePostParams(params *store.PostParams) error {
	if params.EntityId == "" {
		return fmt.Errorf("entity id is required")
	}
	if params.Credit.IsNegative() || params.Debit.IsNegative() {
		return fmt.Errorf("credit and debit must be non-negative")
	}
	if params.Credit.IsPositive() == params.Debit.IsPositive() {
		return fmt.Errorf("exactly one of credit/debit must be positive")
	}
	if params.WalletKind == "" {
		params.WalletKind = models.WalletPrimary
	}
	if params.Status == "" {
		params.Status = models.EntryCompleted
	}
	switch params.Status {
	case models.EntryCompleted, models.EntryPending, models.EntryReversed:
	case models.EntryHold:
		if !params.Credit.IsPositive() {
			return fmt.Errorf("hold entries must be credits")
		}
	default:
		return fmt.Errorf("invalid entry status %q", params.Status)
	}
	return nil
}

func getOrCreateWallet(ctx context.Context, tx *sql.Tx, entityId string, role models.EntityRole, kind models.WalletKind) (*models.Wallet, error) {
	wallet, err := scanWallet(tx.QueryRowContext(ctx, queryGetWallet, entityId, kind))
	if err == nil {
		return wallet, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}

	// Wallets are created lazily on first reference.
	wallet = &models.Wallet{
		Id:             uuid.New().String(),
		EntityId:       entityId,
		EntityRole:     role,
		Kind:           kind,
		Balance:        decimal.Zero,
		SettlementHeld: decimal.Zero,
		Version:        1,
	}
	if _, err := tx.ExecContext(ctx, queryInsertWallet, wallet.Id, entityId, role, kind); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return wallet, nil
}

// Reverse posts a compensating entry (equal and opposite amount, status
// reversed) for a completed entry. The original row is never mutated.
// One reversal per original: a reference-id pre-check inside the posting
// transaction guards entries with no external id, and the
// (external id, REVERSAL) uniqueness closes the race for the rest.
func (s *Service) Reverse(ctx context.Context, entryId, remarks string) (*models.LedgerEntry, error) {
	original, err := s.GetEntry(ctx, entryId)
	if err != nil {
		return nil, err
	}
	if original.Status != models.EntryCompleted {
		return nil, fmt.Errorf("only completed entries can be reversed, entry %s is %s", entryId, original.Status)
	}

	params := store.PostParams{
		EntityId:     original.EntityId,
		EntityRole:   original.EntityRole,
		WalletKind:   original.WalletKind,
		FundCategory: original.FundCategory,
		ServiceType:  original.ServiceType,
		TxKind:       models.TxReversal,
		Credit:       original.Debit,
		Debit:        original.Credit,
		Status:       models.EntryReversed,
		ReferenceId:  original.Id,
		ExternalTxId: original.ExternalTxId,
		Remarks:      remarks,
	}
	if err := validatePostParams(&params); err != nil {
		return nil, err
	}

	var entry *models.LedgerEntry
	for attempt := 1; attempt <= maxPostAttempts; attempt++ {
		entry, err = s.reverseOnce(ctx, original.Id, params)
		if err == nil || !errors.Is(err, store.ErrConcurrentModification) {
			break
		}
	}
	return entry, err
}

func (s *Service) reverseOnce(ctx context.Context, originalId string, params store.PostParams) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var reversalId string
	err = tx.QueryRowContext(ctx, queryCheckEntryReversed, originalId).Scan(&reversalId)
	if err == nil {
		return nil, fmt.Errorf("%w: entry %s already reversed by %s",
			store.ErrDuplicateTransaction, originalId, reversalId)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check prior reversal: %w", err)
	}

	entry, err := s.postInTx(ctx, tx, params)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reversal: %w", err)
	}
	return entry, nil
}

// ReleaseHold converts a T1 hold entry into spendable balance by posting
// the compensating SETTLEMENT_RELEASE entry. Idempotent: a hold can be
// released at most once.
func (s *Service) ReleaseHold(ctx context.Context, entryId string) (*models.LedgerEntry, error) {
	var released *models.LedgerEntry
	var err error
	for attempt := 1; attempt <= maxPostAttempts; attempt++ {
		released, err = s.releaseHoldOnce(ctx, entryId)
		if err == nil || !errors.Is(err, store.ErrConcurrentModification) {
			break
		}
	}
	return released, err
}

func (s *Service) releaseHoldOnce(ctx context.Context, entryId string) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	hold, err := scanEntry(tx.QueryRowContext(ctx, queryGetLedgerEntry, entryId))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrEntryNotFound, entryId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hold entry: %w", err)
	}
	if hold.Status != models.EntryHold {
		return nil, fmt.Errorf("entry %s is %s, not a hold", entryId, hold.Status)
	}

	var releaseId string
	err = tx.QueryRowContext(ctx, queryCheckHoldReleased, entryId).Scan(&releaseId)
	if err == nil {
		return nil, fmt.Errorf("%w: entry %s released by %s", store.ErrHoldAlreadyReleased, entryId, releaseId)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check hold release: %w", err)
	}

	wallet, err := getOrCreateWallet(ctx, tx, hold.EntityId, hold.EntityRole, hold.WalletKind)
	if err != nil {
		return nil, err
	}

	newBalance := wallet.Balance.Add(hold.Credit)
	newHeld := wallet.SettlementHeld.Sub(hold.Credit)

	release := &models.LedgerEntry{
		Id:             uuid.New().String(),
		EntityId:       hold.EntityId,
		EntityRole:     hold.EntityRole,
		WalletKind:     hold.WalletKind,
		FundCategory:   hold.FundCategory,
		ServiceType:    hold.ServiceType,
		TxKind:         models.TxSettlementRelease,
		ExternalTxId:   hold.ExternalTxId,
		Credit:         hold.Credit,
		Debit:          decimal.Zero,
		OpeningBalance: wallet.Balance,
		ClosingBalance: newBalance,
		Status:         models.EntryCompleted,
		Remarks:        "T1 settlement release",
		ReferenceId:    hold.Id,
		CreatedAt:      time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, queryInsertLedgerEntry,
		release.Id, release.EntityId, release.EntityRole, release.WalletKind, release.FundCategory,
		release.ServiceType, release.TxKind, release.ExternalTxId,
		release.Credit.String(), release.Debit.String(),
		release.OpeningBalance.String(), release.ClosingBalance.String(),
		release.Status, release.Remarks, release.ReferenceId, release.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: entry %s", store.ErrHoldAlreadyReleased, entryId)
		}
		return nil, fmt.Errorf("failed to insert release entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, queryUpdateWallet,
		newBalance.String(), newHeld.String(),
		hold.EntityId, hold.WalletKind, wallet.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("wallet update failed - %w", store.ErrConcurrentModification)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}

	zap.L().Info("Hold released",
		zap.String("hold_entry_id", hold.Id),
		zap.String("release_entry_id", release.Id),
		zap.String("entity_id", hold.EntityId),
		zap.String("amount", hold.Credit.String()))
	return release, nil
}

// ListDueHolds returns hold entries older than the cutoff that have not
// been released yet.
func (s *Service) ListDueHolds(ctx context.Context, olderThan time.Time, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, queryListDueHolds, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due holds: %w", err)
	}
	defer closeRows(rows)

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hold entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hold rows: %w", err)
	}
	return entries, nil
}

func (s *Service) GetWallet(ctx context.Context, entityId string, kind models.WalletKind) (*models.Wallet, error) {
	wallet, err := scanWallet(s.db.QueryRowContext(ctx, queryGetWallet, entityId, kind))
	if err == sql.ErrNoRows {
		// Lazy creation means "no row" is just an untouched wallet.
		return &models.Wallet{
			EntityId:       entityId,
			Kind:           kind,
			Balance:        decimal.Zero,
			SettlementHeld: decimal.Zero,
			Version:        1,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

// GetBalance returns the current spendable balance (O(1) lookup).
func (s *Service) GetBalance(ctx context.Context, entityId string, kind models.WalletKind) (decimal.Decimal, error) {
	wallet, err := s.GetWallet(ctx, entityId, kind)
	if err != nil {
		return decimal.Zero, err
	}
	return wallet.Balance, nil
}

func (s *Service) SetWalletFrozen(ctx context.Context, entityId string, kind models.WalletKind, frozen bool) error {
	walletId := uuid.New().String()
	if _, err := s.db.ExecContext(ctx, queryInsertWallet, walletId, entityId, "", kind); err != nil {
		return fmt.Errorf("failed to ensure wallet: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, querySetWalletFrozen, frozen, entityId, kind); err != nil {
		return fmt.Errorf("failed to update wallet frozen flag: %w", err)
	}
	zap.L().Info("Wallet frozen flag updated",
		zap.String("entity_id", entityId),
		zap.String("kind", string(kind)),
		zap.Bool("frozen", frozen))
	return nil
}

func (s *Service) GetEntries(ctx context.Context, filter store.LedgerFilter) ([]models.LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	kind := filter.WalletKind
	if kind == "" {
		kind = models.WalletPrimary
	}

	rows, err := s.db.QueryContext(ctx, queryGetLedgerEntries, filter.EntityId, kind, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer closeRows(rows)

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return entries, nil
}

func (s *Service) GetEntry(ctx context.Context, entryId string) (*models.LedgerEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, queryGetLedgerEntry, entryId))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrEntryNotFound, entryId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

// ReconcileWallet verifies that the wallet balance matches the sum of all
// balance-affecting entries.
func (s *Service) ReconcileWallet(ctx context.Context, entityId string, kind models.WalletKind) error {
	zap.L().Info("Reconciling wallet", zap.String("entity_id", entityId), zap.String("kind", string(kind)))

	wallet, err := s.GetWallet(ctx, entityId, kind)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, queryReconcileWallet, entityId, kind)
	if err != nil {
		return fmt.Errorf("failed to read entries for reconciliation: %w", err)
	}
	defer closeRows(rows)

	calculated := decimal.Zero
	for rows.Next() {
		var creditStr, debitStr string
		if err := rows.Scan(&creditStr, &debitStr); err != nil {
			return fmt.Errorf("failed to scan entry amounts: %w", err)
		}
		credit, err := decimal.NewFromString(creditStr)
		if err != nil {
			return fmt.Errorf("failed to parse credit %q: %w", creditStr, err)
		}
		debit, err := decimal.NewFromString(debitStr)
		if err != nil {
			return fmt.Errorf("failed to parse debit %q: %w", debitStr, err)
		}
		calculated = calculated.Add(credit).Sub(debit)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating entry rows: %w", err)
	}

	if !wallet.Balance.Equal(calculated) {
		zap.L().Error("Wallet reconciliation failed",
			zap.String("entity_id", entityId),
			zap.String("kind", string(kind)),
			zap.String("current_balance", wallet.Balance.String()),
			zap.String("calculated_balance", calculated.String()),
			zap.String("difference", wallet.Balance.Sub(calculated).String()))
		return fmt.Errorf("balance mismatch: current=%s, calculated=%s", wallet.Balance, calculated)
	}

	zap.L().Info("Wallet reconciliation successful",
		zap.String("entity_id", entityId),
		zap.String("kind", string(kind)),
		zap.String("balance", wallet.Balance.String()))
	return nil
}

func scanWallet(row rowScanner) (*models.Wallet, error) {
	var wallet models.Wallet
	var balanceStr, heldStr string
	err := row.Scan(&wallet.Id, &wallet.EntityId, &wallet.EntityRole, &wallet.Kind,
		&balanceStr, &heldStr, &wallet.Frozen, &wallet.Version, &wallet.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if wallet.Balance, err = decimal.NewFromString(balanceStr); err != nil {
		return nil, fmt.Errorf("failed to parse balance %q: %w", balanceStr, err)
	}
	if wallet.SettlementHeld, err = decimal.NewFromString(heldStr); err != nil {
		return nil, fmt.Errorf("failed to parse settlement_held %q: %w", heldStr, err)
	}
	return &wallet, nil
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var creditStr, debitStr, openingStr, closingStr string
	err := row.Scan(&entry.Id, &entry.EntityId, &entry.EntityRole, &entry.WalletKind,
		&entry.FundCategory, &entry.ServiceType, &entry.TxKind, &entry.ExternalTxId,
		&creditStr, &debitStr, &openingStr, &closingStr,
		&entry.Status, &entry.Remarks, &entry.ReferenceId, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	if entry.Credit, err = decimal.NewFromString(creditStr); err != nil {
		return nil, fmt.Errorf("failed to parse credit %q: %w", creditStr, err)
	}
	if entry.Debit, err = decimal.NewFromString(debitStr); err != nil {
		return nil, fmt.Errorf("failed to parse debit %q: %w", debitStr, err)
	}
	if entry.OpeningBalance, err = decimal.NewFromString(openingStr); err != nil {
		return nil, fmt.Errorf("failed to parse opening_balance %q: %w", openingStr, err)
	}
	if entry.ClosingBalance, err = decimal.NewFromString(closingStr); err != nil {
		return nil, fmt.Errorf("failed to parse closing_balance %q: %w", closingStr, err)
	}
	return &entry, nil
}
