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
	"fmt"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.Store.
var _ store.Store = (*Service)(nil)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(cfg.SeedPlatform); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

// NewServiceFromDB wraps an already-open database handle. Used by tests
// that run against an in-memory SQLite instance.
func NewServiceFromDB(db *sql.DB, seedPlatform bool) (*Service, error) {
	service := &Service{db: db}
	if err := service.initSchema(seedPlatform); err != nil {
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema(seedPlatform bool) error {
	schema := `
	-- Parties in the reseller hierarchy. Retailers carry their parent ids
	-- so the ownership chain is resolvable in one lookup.
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		distributor_id TEXT NOT NULL DEFAULT '',
		master_distributor_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_entities_role ON entities(role);

	-- POS device / terminal ownership.
	CREATE TABLE IF NOT EXISTS device_mappings (
		id TEXT PRIMARY KEY,
		serial_number TEXT NOT NULL UNIQUE,
		retailer_id TEXT NOT NULL REFERENCES entities(id),
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_device_mappings_retailer ON device_mappings(retailer_id);

	-- Pricing schemes. Rows referenced by posted ledger entries are never
	-- mutated; new versions are inserted as new rows.
	CREATE TABLE IF NOT EXISTS schemes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		scope TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 1000,
		effective_from TIMESTAMP NOT NULL,
		effective_to TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_schemes_kind_status ON schemes(kind, status);

	-- Amount/secondary-key bands. Every monetary field is a tagged
	-- flat-or-percent pair.
	CREATE TABLE IF NOT EXISTS scheme_slabs (
		id TEXT PRIMARY KEY,
		scheme_id TEXT NOT NULL REFERENCES schemes(id),
		service_type TEXT NOT NULL,
		secondary_key TEXT NOT NULL DEFAULT '',
		min_amount TEXT NOT NULL,
		max_amount TEXT NOT NULL,
		retailer_charge_kind TEXT NOT NULL,
		retailer_charge_value TEXT NOT NULL,
		retailer_comm_kind TEXT NOT NULL,
		retailer_comm_value TEXT NOT NULL,
		distributor_comm_kind TEXT NOT NULL,
		distributor_comm_value TEXT NOT NULL,
		master_comm_kind TEXT NOT NULL,
		master_comm_value TEXT NOT NULL,
		platform_comm_kind TEXT NOT NULL,
		platform_comm_value TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_scheme_slabs_lookup ON scheme_slabs(scheme_id, service_type, enabled);

	-- Entity-to-scheme bindings. The partial unique index enforces the
	-- single-active-mapping invariant at the storage layer, so there is no
	-- window where two mappings are both active under concurrency.
	CREATE TABLE IF NOT EXISTS scheme_mappings (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_role TEXT NOT NULL,
		scheme_id TEXT NOT NULL REFERENCES schemes(id),
		service_scope TEXT NOT NULL DEFAULT 'all',
		priority INTEGER NOT NULL DEFAULT 1000,
		effective_from TIMESTAMP NOT NULL,
		effective_to TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_scheme_mappings_one_active
		ON scheme_mappings(entity_id, service_scope) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_scheme_mappings_entity ON scheme_mappings(entity_id, status);

	-- Wallets (Current State - Hot Data). Spendable balance plus the
	-- settlement-held bucket for T1 credits. Never deleted, only frozen.
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_role TEXT NOT NULL,
		kind TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0',
		settlement_held TEXT NOT NULL DEFAULT '0',
		frozen BOOLEAN NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(entity_id, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_entity ON wallets(entity_id);

	-- Ledger entries (Audit Trail - Cold Data). Append-only; amounts and
	-- balance snapshots are immutable.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		entity_role TEXT NOT NULL,
		wallet_kind TEXT NOT NULL,
		fund_category TEXT NOT NULL,
		service_type TEXT NOT NULL,
		tx_kind TEXT NOT NULL,
		external_tx_id TEXT NOT NULL DEFAULT '',
		credit TEXT NOT NULL,
		debit TEXT NOT NULL,
		opening_balance TEXT NOT NULL,
		closing_balance TEXT NOT NULL,
		status TEXT NOT NULL,
		remarks TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_external_kind
		ON ledger_entries(external_tx_id, tx_kind) WHERE external_tx_id != '';
	CREATE INDEX IF NOT EXISTS idx_ledger_wallet ON ledger_entries(entity_id, wallet_kind);
	CREATE INDEX IF NOT EXISTS idx_ledger_status ON ledger_entries(status);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference_id);

	-- One row per inbound event; survives even when pricing fails.
	CREATE TABLE IF NOT EXISTS service_transactions (
		id TEXT PRIMARY KEY,
		service_type TEXT NOT NULL,
		external_tx_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		raw_status TEXT NOT NULL DEFAULT '',
		device_serial TEXT NOT NULL DEFAULT '',
		secondary_key TEXT NOT NULL DEFAULT '',
		retailer_id TEXT NOT NULL DEFAULT '',
		distributor_id TEXT NOT NULL DEFAULT '',
		master_distributor_id TEXT NOT NULL DEFAULT '',
		scheme_id TEXT NOT NULL DEFAULT '',
		scheme_name TEXT NOT NULL DEFAULT '',
		resolved_via TEXT NOT NULL DEFAULT '',
		charge TEXT NOT NULL DEFAULT '0',
		net_amount TEXT NOT NULL DEFAULT '0',
		wallet_credited BOOLEAN NOT NULL DEFAULT 0,
		ledger_entry_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		event_time TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(service_type, external_tx_id)
	);

	CREATE INDEX IF NOT EXISTS idx_service_tx_state ON service_transactions(state);
	CREATE INDEX IF NOT EXISTS idx_service_tx_retailer ON service_transactions(retailer_id);

	-- Commission postings double as the durable cascade outbox.
	CREATE TABLE IF NOT EXISTS commission_postings (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES service_transactions(id),
		level TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		entity_role TEXT NOT NULL,
		wallet_kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		ledger_entry_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		locked BOOLEAN NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(transaction_id, level)
	);

	CREATE INDEX IF NOT EXISTS idx_commission_status ON commission_postings(status, locked);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	if seedPlatform {
		// The platform itself is an entity so company earnings have a wallet.
		_, err = s.db.Exec(queryInsertEntity, "platform", "Platform", string(models.RolePlatform), "", "", "active")
		if err != nil {
			zap.L().Error("Failed to seed platform entity", zap.Error(err))
		}
	}

	return nil
}
