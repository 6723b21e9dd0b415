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

const (
	// Entity queries
	queryInsertEntity = `
		INSERT OR IGNORE INTO entities (id, name, role, distributor_id, master_distributor_id, status)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetEntity = `
		SELECT id, name, role, distributor_id, master_distributor_id, status, created_at
		FROM entities
		WHERE id = ?`

	queryInsertDeviceMapping = `
		INSERT INTO device_mappings (id, serial_number, retailer_id, status)
		VALUES (?, ?, ?, ?)`

	queryFindRetailerByDevice = `
		SELECT e.id, e.name, e.role, e.distributor_id, e.master_distributor_id, e.status, e.created_at
		FROM entities e
		JOIN device_mappings d ON e.id = d.retailer_id
		WHERE d.serial_number = ? AND d.status = 'active' AND e.status = 'active'`

	// Scheme queries
	queryInsertScheme = `
		INSERT INTO schemes (id, name, kind, scope, priority, effective_from, effective_to, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetScheme = `
		SELECT id, name, kind, scope, priority, effective_from, effective_to, status, created_at
		FROM schemes
		WHERE id = ?`

	queryListSchemes = `
		SELECT id, name, kind, scope, priority, effective_from, effective_to, status, created_at
		FROM schemes
		ORDER BY created_at`

	queryDeactivateScheme = `
		UPDATE schemes SET status = 'inactive' WHERE id = ?`

	queryGetGlobalSchemes = `
		SELECT id, name, kind, scope, priority, effective_from, effective_to, status, created_at
		FROM schemes
		WHERE kind = 'global' AND status = 'active'
		  AND (scope = ? OR scope = 'all')
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY priority, created_at DESC`

	// Slab queries
	queryInsertSlab = `
		INSERT INTO scheme_slabs (
			id, scheme_id, service_type, secondary_key, min_amount, max_amount,
			retailer_charge_kind, retailer_charge_value,
			retailer_comm_kind, retailer_comm_value,
			distributor_comm_kind, distributor_comm_value,
			master_comm_kind, master_comm_value,
			platform_comm_kind, platform_comm_value, enabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetSlabs = `
		SELECT id, scheme_id, service_type, secondary_key, min_amount, max_amount,
		       retailer_charge_kind, retailer_charge_value,
		       retailer_comm_kind, retailer_comm_value,
		       distributor_comm_kind, distributor_comm_value,
		       master_comm_kind, master_comm_value,
		       platform_comm_kind, platform_comm_value, enabled, created_at
		FROM scheme_slabs
		WHERE scheme_id = ? AND (service_type = ? OR service_type = 'all')
		ORDER BY secondary_key DESC, min_amount`

	queryGetSlabsForOverlap = `
		SELECT id, min_amount, max_amount
		FROM scheme_slabs
		WHERE scheme_id = ? AND service_type = ? AND secondary_key = ?`

	querySetSlabEnabled = `
		UPDATE scheme_slabs SET enabled = ? WHERE id = ?`

	// Mapping queries
	queryDeactivateMappings = `
		UPDATE scheme_mappings SET status = 'inactive'
		WHERE entity_id = ? AND service_scope = ? AND status = 'active'`

	queryInsertMapping = `
		INSERT INTO scheme_mappings (
			id, entity_id, entity_role, scheme_id, service_scope, priority,
			effective_from, effective_to, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'active', ?)`

	queryGetActiveMappings = `
		SELECT id, entity_id, entity_role, scheme_id, service_scope, priority,
		       effective_from, effective_to, status, created_at
		FROM scheme_mappings
		WHERE status = 'active'
		  AND (service_scope = ? OR service_scope = 'all')
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to > ?)`

	// Wallet queries
	queryGetWallet = `
		SELECT id, entity_id, entity_role, kind, balance, settlement_held, frozen, version, updated_at
		FROM wallets
		WHERE entity_id = ? AND kind = ?`

	queryInsertWallet = `
		INSERT OR IGNORE INTO wallets (id, entity_id, entity_role, kind, balance, settlement_held, frozen, version)
		VALUES (?, ?, ?, ?, '0', '0', 0, 1)`

	queryUpdateWallet = `
		UPDATE wallets
		SET balance = ?, settlement_held = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE entity_id = ? AND kind = ? AND version = ?`

	querySetWalletFrozen = `
		UPDATE wallets SET frozen = ?, updated_at = CURRENT_TIMESTAMP
		WHERE entity_id = ? AND kind = ?`

	// Ledger queries
	queryInsertLedgerEntry = `
		INSERT INTO ledger_entries (
			id, entity_id, entity_role, wallet_kind, fund_category, service_type,
			tx_kind, external_tx_id, credit, debit, opening_balance, closing_balance,
			status, remarks, reference_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetLedgerEntry = `
		SELECT id, entity_id, entity_role, wallet_kind, fund_category, service_type,
		       tx_kind, external_tx_id, credit, debit, opening_balance, closing_balance,
		       status, remarks, reference_id, created_at
		FROM ledger_entries
		WHERE id = ?`

	queryCheckDuplicateEntry = `
		SELECT id FROM ledger_entries
		WHERE external_tx_id = ? AND tx_kind = ?
		LIMIT 1`

	queryGetLedgerEntries = `
		SELECT id, entity_id, entity_role, wallet_kind, fund_category, service_type,
		       tx_kind, external_tx_id, credit, debit, opening_balance, closing_balance,
		       status, remarks, reference_id, created_at
		FROM ledger_entries
		WHERE entity_id = ? AND wallet_kind = ?
		ORDER BY created_at, rowid
		LIMIT ? OFFSET ?`

	queryListDueHolds = `
		SELECT h.id, h.entity_id, h.entity_role, h.wallet_kind, h.fund_category, h.service_type,
		       h.tx_kind, h.external_tx_id, h.credit, h.debit, h.opening_balance, h.closing_balance,
		       h.status, h.remarks, h.reference_id, h.created_at
		FROM ledger_entries h
		WHERE h.status = 'hold' AND h.created_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries r
			WHERE r.tx_kind = 'SETTLEMENT_RELEASE' AND r.reference_id = h.id
		  )
		ORDER BY h.created_at, h.rowid
		LIMIT ?`

	queryCheckHoldReleased = `
		SELECT id FROM ledger_entries
		WHERE tx_kind = 'SETTLEMENT_RELEASE' AND reference_id = ?
		LIMIT 1`

	queryCheckEntryReversed = `
		SELECT id FROM ledger_entries
		WHERE tx_kind = 'REVERSAL' AND reference_id = ?
		LIMIT 1`

	queryReconcileWallet = `
		SELECT credit, debit
		FROM ledger_entries
		WHERE entity_id = ? AND wallet_kind = ? AND status != 'hold'`

	// Service transaction queries
	queryGetTransactionByExternalId = `
		SELECT id, service_type, external_tx_id, amount, currency, raw_status, device_serial,
		       secondary_key, retailer_id, distributor_id, master_distributor_id,
		       scheme_id, scheme_name, resolved_via, charge, net_amount,
		       wallet_credited, ledger_entry_id, state, failure_reason,
		       event_time, created_at, updated_at
		FROM service_transactions
		WHERE service_type = ? AND external_tx_id = ?`

	queryInsertTransaction = `
		INSERT INTO service_transactions (
			id, service_type, external_tx_id, amount, currency, raw_status, device_serial,
			secondary_key, retailer_id, distributor_id, master_distributor_id,
			scheme_id, scheme_name, resolved_via, charge, net_amount,
			wallet_credited, ledger_entry_id, state, failure_reason,
			event_time, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryUpdateTransaction = `
		UPDATE service_transactions
		SET amount = ?, currency = ?, raw_status = ?, device_serial = ?, secondary_key = ?,
		    retailer_id = ?, distributor_id = ?, master_distributor_id = ?,
		    scheme_id = ?, scheme_name = ?, resolved_via = ?, charge = ?, net_amount = ?,
		    state = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`

	queryMarkTransactionCredited = `
		UPDATE service_transactions
		SET wallet_credited = 1, ledger_entry_id = ?, state = ?, updated_at = ?
		WHERE id = ? AND wallet_credited = 0`

	querySetTransactionState = `
		UPDATE service_transactions
		SET state = ?, updated_at = ?
		WHERE id = ?`

	queryListTransactionsByState = `
		SELECT id, service_type, external_tx_id, amount, currency, raw_status, device_serial,
		       secondary_key, retailer_id, distributor_id, master_distributor_id,
		       scheme_id, scheme_name, resolved_via, charge, net_amount,
		       wallet_credited, ledger_entry_id, state, failure_reason,
		       event_time, created_at, updated_at
		FROM service_transactions
		WHERE state = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`

	// Commission posting queries
	queryInsertCommission = `
		INSERT OR IGNORE INTO commission_postings (
			id, transaction_id, level, entity_id, entity_role, wallet_kind,
			amount, status, attempts, locked, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, 0, ?, ?)`

	queryListPendingCommissions = `
		SELECT id, transaction_id, level, entity_id, entity_role, wallet_kind,
		       amount, ledger_entry_id, status, attempts, locked, last_error,
		       created_at, updated_at
		FROM commission_postings
		WHERE status = 'pending' AND locked = 0
		ORDER BY created_at
		LIMIT ?`

	queryMarkCommissionPosted = `
		UPDATE commission_postings
		SET status = 'posted', ledger_entry_id = ?, attempts = attempts + 1,
		    last_error = '', updated_at = ?
		WHERE id = ? AND status = 'pending'`

	queryMarkCommissionFailed = `
		UPDATE commission_postings
		SET status = CASE WHEN ? THEN 'failed' ELSE 'pending' END,
		    locked = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`

	queryListCommissionsByTransaction = `
		SELECT id, transaction_id, level, entity_id, entity_role, wallet_kind,
		       amount, ledger_entry_id, status, attempts, locked, last_error,
		       created_at, updated_at
		FROM commission_postings
		WHERE transaction_id = ?
		ORDER BY created_at, rowid`
)
